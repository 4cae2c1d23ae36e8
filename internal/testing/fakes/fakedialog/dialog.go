// Package fakedialog provides a scripted ports.DialogProvider.
package fakedialog

import "github.com/acolita/termmux/internal/ports"

// Provider answers every form with Answer, or fails with Err.
type Provider struct {
	Answer ports.ServerFormData
	Err    error

	// Prefills records what each form was opened with.
	Prefills []ports.ServerFormData
}

// New returns a provider that confirms forms with answer.
func New(answer ports.ServerFormData) *Provider {
	answer.Confirmed = true
	return &Provider{Answer: answer}
}

// Cancelled returns a provider whose forms are dismissed by the user.
func Cancelled() *Provider {
	return &Provider{}
}

// ServerConfigForm records prefill and returns the scripted answer. A
// cancelled provider returns the prefill unconfirmed.
func (p *Provider) ServerConfigForm(prefill ports.ServerFormData) (ports.ServerFormData, error) {
	p.Prefills = append(p.Prefills, prefill)
	if p.Err != nil {
		return prefill, p.Err
	}
	if !p.Answer.Confirmed {
		prefill.Confirmed = false
		return prefill, nil
	}
	return p.Answer, nil
}

var _ ports.DialogProvider = (*Provider)(nil)
