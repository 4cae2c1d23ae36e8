// Package realdialog implements ports.DialogProvider with charmbracelet/huh
// forms on the controlling terminal.
package realdialog

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/acolita/termmux/internal/ports"
)

// Provider runs forms on the given terminal streams.
type Provider struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithIO sets the streams the form reads and draws on.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(p *Provider) {
		p.in = in
		p.out = out
	}
}

// WithAccessible switches to huh's line-based prompts, for dumb terminals
// and screen readers.
func WithAccessible(on bool) Option {
	return func(p *Provider) {
		p.accessible = on
	}
}

// New returns a dialog provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServerConfigForm asks for an SSH server definition, starting from prefill.
// A cancelled form returns the prefill with Confirmed false and no error.
func (p *Provider) ServerConfigForm(prefill ports.ServerFormData) (ports.ServerFormData, error) {
	result := prefill
	if result.AuthType == "" {
		result.AuthType = "key"
	}
	portStr := "22"
	if prefill.Port > 0 {
		portStr = strconv.Itoa(prefill.Port)
	}
	var confirmed bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server Name").
				Description("Short name used by tabs and globs, e.g. prod-web").
				Validate(validateName).
				Value(&result.Name),
			huh.NewInput().
				Title("Host").
				Description("SSH hostname or IP address").
				Validate(required("host")).
				Value(&result.Host),
			huh.NewInput().
				Title("Port").
				Validate(validatePort).
				Value(&portStr),
			huh.NewInput().
				Title("User").
				Validate(required("user")).
				Value(&result.User),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Authentication").
				Options(
					huh.NewOption("Private key", "key"),
					huh.NewOption("SSH agent", "agent"),
					huh.NewOption("Password", "password"),
				).
				Value(&result.AuthType),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Private Key Path").
				Description("Leave empty to use ~/.ssh/config or the default keys").
				Value(&result.KeyPath),
		).WithHideFunc(func() bool { return result.AuthType != "key" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&result.Password),
			huh.NewConfirm().
				Title("Store the password in the system keyring?").
				Value(&result.SavePassword),
		).WithHideFunc(func() bool { return result.AuthType != "password" }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save this server?").
				Value(&confirmed),
		),
	).WithAccessible(p.accessible)

	if p.in != nil {
		form = form.WithInput(p.in)
	}
	if p.out != nil {
		form = form.WithOutput(p.out)
	}

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return prefill, nil
		}
		return prefill, fmt.Errorf("server form: %w", err)
	}

	return finish(result, portStr, confirmed), nil
}

// finish normalises the raw form answers.
func finish(result ports.ServerFormData, portStr string, confirmed bool) ports.ServerFormData {
	result.Name = strings.TrimSpace(result.Name)
	result.Host = strings.TrimSpace(result.Host)
	result.User = strings.TrimSpace(result.User)
	result.KeyPath = strings.TrimSpace(result.KeyPath)

	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port <= 0 {
		port = 22
	}
	result.Port = port

	if result.AuthType != "password" {
		result.Password = ""
		result.SavePassword = false
	}
	if result.AuthType != "key" {
		result.KeyPath = ""
	}
	result.Confirmed = confirmed
	return result
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validateName(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(s, " \t/*?[]{}") {
		return errors.New("name must not contain spaces, slashes or glob characters")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

var _ ports.DialogProvider = (*Provider)(nil)
