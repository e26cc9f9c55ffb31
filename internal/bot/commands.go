package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/sweepmonk/sweepmonk/internal/config"
	"github.com/sweepmonk/sweepmonk/internal/rules"
	"github.com/sweepmonk/sweepmonk/internal/storage"
)

const (
	// KeywordsPerPage bounds one /listkeywords reply.
	KeywordsPerPage = 50
	recentLimit     = 5
	recentRuleWidth = 20
)

// Replies shared by several commands.
const (
	TextAdminOnly = "⛔ This command is for administrators only"
	TextGroupOnly = "⚠️ This command only works in groups"
	TextError     = "❌ System error"
	TextPong      = "🏓 Pong! Bot is running"
)

// HelpText answers /help and /start.
const HelpText = `🧹 SweepMonk - group guardian

📝 Keywords:
• /addkeyword <text> - add a keyword (prefix regex: for a pattern)
• /delkeyword <text> - remove a keyword
• /listkeywords [page] - list keywords
• /reload - reload the keyword file

👤 Members:
• /unmute <user_id> - lift a mute (or reply to the user's message)

⚙️ Settings:
• /setmutetime <seconds> - mute duration for violations
• /setverifytime <seconds> - time a new member has to verify
• /setnotify on|off - post a notice after each violation

📊 Other:
• /stats - statistics
• /help - this message

💡 Admin commands are for group administrators only.
The bot needs admin rights to work.`

type command struct {
	admin bool
	run   func(ctx context.Context, msg *models.Message, args []string) string
}

func (r *Router) commandTable() map[string]command {
	help := command{run: func(context.Context, *models.Message, []string) string { return HelpText }}
	return map[string]command{
		"ping":          {run: func(context.Context, *models.Message, []string) string { return TextPong }},
		"help":          help,
		"start":         help,
		"addkeyword":    {admin: true, run: r.cmdAddKeyword},
		"delkeyword":    {admin: true, run: r.cmdDelKeyword},
		"listkeywords":  {admin: true, run: r.cmdListKeywords},
		"reload":        {admin: true, run: r.cmdReload},
		"unmute":        {admin: true, run: r.cmdUnmute},
		"stats":         {admin: true, run: r.cmdStats},
		"setmutetime":   {admin: true, run: r.cmdSetMuteTime},
		"setverifytime": {admin: true, run: r.cmdSetVerifyTime},
		"setnotify":     {admin: true, run: r.cmdSetNotify},
	}
}

func (r *Router) runCommand(ctx context.Context, msg *models.Message, name string, cmd command, args []string) {
	log := r.log.With().Str("command", name).Int64("chat_id", msg.Chat.ID).Logger()
	if msg.From != nil {
		log = log.With().Int64("user_id", msg.From.ID).Logger()
	}
	text := TextAdminOnly
	if !cmd.admin || r.isAdmin(ctx, msg) {
		text = cmd.run(ctx, msg, args)
	} else {
		log.Info().Msg("admin command refused")
	}
	if text == "" {
		return
	}
	if _, err := r.exec.SendText(ctx, msg.Chat.ID, text); err != nil {
		log.Warn().Err(err).Msg("command reply failed")
	}
}

func (r *Router) cmdAddKeyword(_ context.Context, msg *models.Message, args []string) string {
	if len(args) == 0 {
		return "Usage: /addkeyword <keyword>"
	}
	text := strings.Join(args, " ")
	rule, err := r.rules.Add(text)
	var (
		ipe *rules.InvalidPatternError
		se  *rules.StoreError
	)
	switch {
	case errors.Is(err, rules.ErrDuplicateRule):
		return "⚠️ Keyword already exists: " + text
	case errors.As(err, &ipe):
		return fmt.Sprintf("❌ Invalid pattern: %v", ipe.Err)
	case errors.As(err, &se):
		r.log.Error().Err(err).Str("keyword", text).Msg("add keyword failed")
		return "❌ Could not save the keyword list"
	case err != nil:
		return fmt.Sprintf("❌ Invalid keyword: %v", err)
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Str("rule", rule.String()).Msg("keyword added")
	return "✅ Keyword added: " + rule.String()
}

func (r *Router) cmdDelKeyword(_ context.Context, msg *models.Message, args []string) string {
	if len(args) == 0 {
		return "Usage: /delkeyword <keyword>"
	}
	text := strings.Join(args, " ")
	rule, err := r.rules.Remove(text)
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return "⚠️ Keyword not found: " + text
	case err != nil:
		r.log.Error().Err(err).Str("keyword", text).Msg("remove keyword failed")
		return "❌ Could not save the keyword list"
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Str("rule", rule.String()).Msg("keyword removed")
	return "✅ Keyword removed: " + rule.String()
}

func (r *Router) cmdListKeywords(_ context.Context, _ *models.Message, args []string) string {
	set := r.rules.Snapshot()
	all := make([]string, 0, set.Len())
	for _, rule := range set.Literals() {
		all = append(all, rule.String())
	}
	for _, rule := range set.Patterns() {
		all = append(all, rule.String())
	}
	if len(all) == 0 {
		return "📝 No keywords configured"
	}
	pages := (len(all) + KeywordsPerPage - 1) / KeywordsPerPage
	page := 1
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			page = max(1, min(n, pages))
		}
	}
	start := (page - 1) * KeywordsPerPage
	end := min(start+KeywordsPerPage, len(all))

	var b strings.Builder
	fmt.Fprintf(&b, "📝 Keywords (page %d/%d, %d total)\n\n", page, pages, len(all))
	for i, kw := range all[start:end] {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• " + kw)
	}
	if pages > 1 {
		b.WriteString("\n\nUse /listkeywords <page> to see other pages")
	}
	return b.String()
}

func (r *Router) cmdReload(_ context.Context, msg *models.Message, _ []string) string {
	report, err := r.rules.Reload()
	if err != nil {
		r.log.Error().Err(err).Msg("reload keywords failed")
		return "❌ Reload failed, the previous keyword list stays active"
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Msg("keywords reloaded")
	text := fmt.Sprintf("✅ Keyword list reloaded\n• Keywords: %d\n• Patterns: %d", report.Literals, report.Patterns)
	if n := len(report.Invalid); n > 0 {
		text += fmt.Sprintf("\n• Skipped invalid patterns: %d", n)
	}
	return text
}

func (r *Router) cmdUnmute(ctx context.Context, msg *models.Message, args []string) string {
	const usage = "Usage: /unmute <user_id> or reply to the user's message"
	if !isGroup(msg.Chat) {
		return TextGroupOnly
	}
	var target int64
	switch {
	case msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil:
		target = msg.ReplyToMessage.From.ID
	case len(args) > 0:
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return usage
		}
		target = id
	default:
		return usage
	}
	if err := r.exec.Unrestrict(ctx, msg.Chat.ID, target); err != nil {
		r.log.Error().Err(err).Int64("target_id", target).Msg("unmute failed")
		return fmt.Sprintf("❌ Unmute failed: %v", err)
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Int64("target_id", target).Msg("user unmuted")
	return fmt.Sprintf("✅ User %d unmuted", target)
}

func (r *Router) cmdStats(ctx context.Context, msg *models.Message, _ []string) string {
	var chatID int64
	if !isPrivate(msg.Chat) {
		chatID = msg.Chat.ID
	}
	st, err := r.store.Stats(chatID, r.clock.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("stats failed")
		return TextError
	}
	pending, err := r.store.ProbationCount(ctx, chatID)
	if err != nil {
		r.log.Error().Err(err).Msg("pending count failed")
		return TextError
	}

	var b strings.Builder
	b.WriteString("📊 Statistics\n\n")
	if chatID != 0 {
		b.WriteString("📍 This group:\n")
	} else {
		b.WriteString("🌐 All chats:\n")
	}
	fmt.Fprintf(&b, "• Total violations: %d\n", st.TotalViolations)
	fmt.Fprintf(&b, "• Violations today: %d\n", st.TodayViolations)
	fmt.Fprintf(&b, "• Users recorded: %d\n", st.TotalUsers)
	fmt.Fprintf(&b, "• Pending verifications: %d\n", pending)

	if chatID != 0 {
		recent, err := r.store.RecentViolations(chatID, recentLimit)
		if err != nil {
			r.log.Warn().Err(err).Msg("recent violations failed")
		}
		if len(recent) > 0 {
			b.WriteString("\n📋 Recent violations:\n")
			for _, v := range recent {
				fmt.Fprintf(&b, "• %s: %s\n", r.displayName(v.UserID), truncate(v.MatchedRule, recentRuleWidth))
			}
		}
	}
	return b.String()
}

func (r *Router) displayName(userID int64) string {
	p, err := r.store.ProfileGet(userID)
	if err != nil || p == nil {
		return strconv.FormatInt(userID, 10)
	}
	return p.DisplayName()
}

func (r *Router) cmdSetMuteTime(_ context.Context, msg *models.Message, args []string) string {
	if !isGroup(msg.Chat) {
		return TextGroupOnly
	}
	if len(args) == 0 {
		return "Usage: /setmutetime <seconds>\n" +
			"e.g. /setmutetime 3600 (1 hour)\n" +
			"     /setmutetime 86400 (24 hours)"
	}
	d, text := parseSeconds(args[0], config.MinMuteDuration, config.MaxMuteDuration, "Mute duration")
	if text != "" {
		return text
	}
	if err := r.updatePolicy(msg.Chat.ID, func(p *storage.ChatPolicy) { p.MuteDuration = d }); err != nil {
		return TextError
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Dur("mute", d).Msg("mute duration changed")
	return fmt.Sprintf("✅ Mute duration set to %d seconds (%.1f hours)", int64(d/time.Second), d.Hours())
}

func (r *Router) cmdSetVerifyTime(_ context.Context, msg *models.Message, args []string) string {
	if !isGroup(msg.Chat) {
		return TextGroupOnly
	}
	if len(args) == 0 {
		return "Usage: /setverifytime <seconds>\ne.g. /setverifytime 300 (5 minutes)"
	}
	d, text := parseSeconds(args[0], config.MinVerificationTimeout, config.MaxVerificationTimeout, "Verification timeout")
	if text != "" {
		return text
	}
	if err := r.updatePolicy(msg.Chat.ID, func(p *storage.ChatPolicy) { p.VerificationTimeout = d }); err != nil {
		return TextError
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Dur("timeout", d).Msg("verification timeout changed")
	return fmt.Sprintf("✅ Verification timeout set to %d seconds", int64(d/time.Second))
}

func (r *Router) cmdSetNotify(_ context.Context, msg *models.Message, args []string) string {
	const usage = "Usage: /setnotify on|off"
	if !isGroup(msg.Chat) {
		return TextGroupOnly
	}
	if len(args) == 0 {
		return usage
	}
	var on bool
	switch strings.ToLower(args[0]) {
	case "on":
		on = true
	case "off":
	default:
		return usage
	}
	if err := r.updatePolicy(msg.Chat.ID, func(p *storage.ChatPolicy) { p.NotifyAdmins = on }); err != nil {
		return TextError
	}
	r.log.Info().Int64("admin_id", senderID(msg)).Bool("notify", on).Msg("violation notices changed")
	if on {
		return "✅ Violation notices enabled"
	}
	return "✅ Violation notices disabled"
}

func (r *Router) updatePolicy(chatID int64, change func(*storage.ChatPolicy)) error {
	p, err := r.store.PolicyGet(chatID, r.defaults)
	if err == nil {
		change(&p)
		err = r.store.PolicySet(chatID, p)
	}
	if err != nil {
		r.log.Error().Err(err).Int64("chat_id", chatID).Msg("update chat policy failed")
	}
	return err
}

// parseSeconds returns a duration within [lo, hi], or the reply explaining
// why arg was refused.
func parseSeconds(arg string, lo, hi time.Duration, what string) (time.Duration, string) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, "❌ Please enter a valid number of seconds"
	}
	if minS := int64(lo / time.Second); n < minS {
		return 0, fmt.Sprintf("⚠️ %s must be at least %d seconds", what, minS)
	}
	if maxS := int64(hi / time.Second); n > maxS {
		return 0, fmt.Sprintf("⚠️ %s cannot exceed %d seconds", what, maxS)
	}
	return time.Duration(n) * time.Second, ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func senderID(msg *models.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}
