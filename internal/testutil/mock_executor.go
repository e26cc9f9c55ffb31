package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sweepmonk/sweepmonk/internal/executor"
)

// Call is one recorded executor invocation.
type Call struct {
	Method string
	ChatID int64
	UserID int64
	Text   string
	Ref    executor.MessageRef
	Until  time.Time
}

// MockExecutor implements executor.Executor for testing. Every call is
// recorded; injected errors are wrapped in *executor.ActionError like the
// real implementation.
type MockExecutor struct {
	mu     sync.Mutex
	calls  []Call
	errors map[string]error
	admins map[[2]int64]bool
	nextID int

	// AdminErr, when set, is returned by every IsAdmin call.
	AdminErr error
}

// NewMockExecutor returns a MockExecutor with no admins and no errors.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		errors: make(map[string]error),
		admins: make(map[[2]int64]bool),
		nextID: 1000,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockExecutor) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetAdmin marks userID as an administrator of chatID.
func (m *MockExecutor) SetAdmin(chatID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[[2]int64{chatID, userID}] = true
}

// Calls returns the recorded calls to method, or every call when method is "".
func (m *MockExecutor) Calls(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of calls to method.
func (m *MockExecutor) Count(method string) int { return len(m.Calls(method)) }

func (m *MockExecutor) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	err := m.errors[c.Method]
	delete(m.errors, c.Method)
	if err != nil {
		return &executor.ActionError{Op: c.Method, ChatID: c.ChatID, UserID: c.UserID, Err: err}
	}
	return nil
}

func (m *MockExecutor) newRef(chatID int64) executor.MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return executor.MessageRef{ChatID: chatID, MessageID: m.nextID}
}

func (m *MockExecutor) Restrict(_ context.Context, chatID, userID int64) error {
	return m.record(Call{Method: "Restrict", ChatID: chatID, UserID: userID})
}

func (m *MockExecutor) Unrestrict(_ context.Context, chatID, userID int64) error {
	return m.record(Call{Method: "Unrestrict", ChatID: chatID, UserID: userID})
}

func (m *MockExecutor) SendChallenge(_ context.Context, chatID, userID int64, text, callbackData string) (executor.MessageRef, error) {
	if err := m.record(Call{Method: "SendChallenge", ChatID: chatID, UserID: userID, Text: text + "|" + callbackData}); err != nil {
		return executor.MessageRef{}, err
	}
	return m.newRef(chatID), nil
}

func (m *MockExecutor) EditMessage(_ context.Context, ref executor.MessageRef, text string) error {
	return m.record(Call{Method: "EditMessage", ChatID: ref.ChatID, Ref: ref, Text: text})
}

func (m *MockExecutor) DeleteMessage(_ context.Context, ref executor.MessageRef) error {
	return m.record(Call{Method: "DeleteMessage", ChatID: ref.ChatID, Ref: ref})
}

func (m *MockExecutor) BanThenUnban(_ context.Context, chatID, userID int64) error {
	return m.record(Call{Method: "BanThenUnban", ChatID: chatID, UserID: userID})
}

func (m *MockExecutor) Mute(_ context.Context, chatID, userID int64, until time.Time) error {
	return m.record(Call{Method: "Mute", ChatID: chatID, UserID: userID, Until: until})
}

func (m *MockExecutor) SendText(_ context.Context, chatID int64, text string) (executor.MessageRef, error) {
	if err := m.record(Call{Method: "SendText", ChatID: chatID, Text: text}); err != nil {
		return executor.MessageRef{}, err
	}
	return m.newRef(chatID), nil
}

func (m *MockExecutor) IsAdmin(_ context.Context, chatID, userID int64) (bool, error) {
	if err := m.record(Call{Method: "IsAdmin", ChatID: chatID, UserID: userID}); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AdminErr != nil {
		return false, &executor.ActionError{Op: "IsAdmin", ChatID: chatID, UserID: userID, Err: m.AdminErr}
	}
	return m.admins[[2]int64{chatID, userID}], nil
}

// String summarises the recorded calls, for test failure messages.
func (m *MockExecutor) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ""
	for _, c := range m.calls {
		s += fmt.Sprintf("%s(chat=%d user=%d) ", c.Method, c.ChatID, c.UserID)
	}
	return s
}
