package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Scrapeq-Signature"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is a parsed completion notification, normalized across providers.
type Event struct {
	RunHandle string          `json:"runHandle"`
	Outcome   Outcome         `json:"outcome"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable *bool           `json:"retryable,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Provider validates and parses deliveries from one webhook source. Each
// provider stands alone; the registry composes them by source name so
// unrelated providers never share a supertype.
type Provider interface {
	Source() string
	Verify(signature string, body []byte) error
	Parse(body []byte) (Event, error)
}

// Registry is a dispatch table of providers keyed by source.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	reg := make(Registry, len(providers))
	for _, p := range providers {
		reg[p.Source()] = p
	}
	return reg
}

// ActorProvider handles deliveries from the scraping actor platform,
// authenticated by an HMAC-SHA256 shared secret over the body.
type ActorProvider struct {
	secret []byte
}

func NewActorProvider(secret string) *ActorProvider {
	return &ActorProvider{secret: []byte(secret)}
}

func (p *ActorProvider) Source() string { return "actor" }

func (p *ActorProvider) Verify(signature string, body []byte) error {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(want, got) {
		return domain.ErrUnauthorized
	}
	return nil
}

func (p *ActorProvider) Parse(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, errors.Wrap(err, "parse actor webhook")
	}
	if ev.RunHandle == "" {
		return Event{}, errors.New("actor webhook missing run handle")
	}
	if ev.Outcome != OutcomeSuccess && ev.Outcome != OutcomeFailure {
		return Event{}, errors.Errorf("actor webhook has unknown outcome %q", ev.Outcome)
	}
	return ev, nil
}
