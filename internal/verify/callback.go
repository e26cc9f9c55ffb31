package verify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sweepmonk/sweepmonk/internal/storage"
)

// CallbackPrefix starts the callback data of every confirmation button.
const CallbackPrefix = "verify_"

// EncodeCallback renders key as button callback data: verify_<user>_<chat>.
func EncodeCallback(key storage.Key) string {
	return CallbackPrefix + strconv.FormatInt(key.UserID, 10) + "_" + strconv.FormatInt(key.ChatID, 10)
}

// DecodeCallback parses data produced by EncodeCallback.
func DecodeCallback(data string) (storage.Key, error) {
	rest, ok := strings.CutPrefix(data, CallbackPrefix)
	if !ok {
		return storage.Key{}, fmt.Errorf("callback data %q: missing %s prefix", data, CallbackPrefix)
	}
	user, chat, ok := strings.Cut(rest, "_")
	if !ok {
		return storage.Key{}, fmt.Errorf("callback data %q: missing chat id", data)
	}
	u, err := strconv.ParseInt(user, 10, 64)
	if err != nil || u <= 0 {
		return storage.Key{}, fmt.Errorf("callback data %q: bad user id", data)
	}
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || c == 0 {
		return storage.Key{}, fmt.Errorf("callback data %q: bad chat id", data)
	}
	return storage.Key{UserID: u, ChatID: c}, nil
}
