package notify

import (
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	defaultTitle = "Lantern"
	maxBodyRunes = 240
)

// Runner is the slice of vm.Exec the notifier needs.
type Runner interface {
	Run(name string, args ...string) error
}

// Notifier raises a desktop notification by running Command with the title
// and body appended as the last two arguments.
type Notifier struct {
	runner  Runner
	argv    []string
	enabled bool
	logger  *slog.Logger
}

func New(runner Runner, command string, enabled bool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	argv := strings.Fields(command)
	return &Notifier{
		runner:  runner,
		argv:    argv,
		enabled: enabled && len(argv) > 0 && runner != nil,
		logger:  logger.With("module", "notify"),
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.enabled
}

func (n *Notifier) Notify(body string) error {
	if !n.Enabled() {
		return errors.New("notifications are disabled")
	}
	body = clipRunes(strings.Join(strings.Fields(body), " "), maxBodyRunes)
	if body == "" {
		return errors.New("notification body is empty")
	}
	args := append(append([]string(nil), n.argv[1:]...), defaultTitle, body)
	if err := n.runner.Run(n.argv[0], args...); err != nil {
		n.logger.Warn("notification command failed", "command", n.argv[0], "err", err)
		return err
	}
	n.logger.Debug("notification sent", "chars", utf8.RuneCountInString(body))
	return nil
}

func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
