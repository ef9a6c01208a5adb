package reconnect

import (
	"errors"
	"time"
)

// Close codes that drive classification.
const (
	CodeNormal             = 1000
	CodeAbnormal           = 1006
	CodeInternalError      = 1011
	CodeServiceRestart     = 1012
	CodeTryAgainLater      = 1013
	CodeBadGateway         = 1014
	CodeServerUnavailable  = 4500
	codeServerFaultRangeLo = 4500
	codeServerFaultRangeHi = 4599
)

// Cause is the classified reason for a reconnection attempt.
type Cause string

const (
	CauseNone      Cause = "none"
	CauseServer    Cause = "server_error"
	CauseTransport Cause = "transport_error"
)

// Classify maps a close code to a cause:
//
//	1000                       none (user or server initiated graceful close)
//	1011 1012 1013 1014 45xx   server_error
//	anything else              transport_error
func Classify(code int) Cause {
	switch {
	case code == CodeNormal:
		return CauseNone
	case code == CodeInternalError, code == CodeServiceRestart,
		code == CodeTryAgainLater, code == CodeBadGateway:
		return CauseServer
	case code >= codeServerFaultRangeLo && code <= codeServerFaultRangeHi:
		return CauseServer
	default:
		return CauseTransport
	}
}

var ErrExhausted = errors.New("reconnection policy exhausted")

type Config struct {
	ServerBase      time.Duration
	TransportBase   time.Duration
	MaxDelay        time.Duration
	Ceiling         time.Duration
	ServerBudget    uint32
	TransportBudget uint32
}

func DefaultConfig() Config {
	return Config{
		ServerBase:      2 * time.Second,
		TransportBase:   1 * time.Second,
		MaxDelay:        30 * time.Second,
		Ceiling:         30 * time.Second,
		ServerBudget:    3,
		TransportBudget: 5,
	}
}

// Attempt is the bookkeeping of the current failure streak.
type Attempt struct {
	Count          uint32
	Cause          Cause
	FirstAttemptAt time.Time
}

// GiveUpReason explains a give-up decision.
type GiveUpReason string

const (
	ReasonGraceful GiveUpReason = "graceful close"
	ReasonBudget   GiveUpReason = "retry budget exhausted"
	ReasonCeiling  GiveUpReason = "retry time ceiling exceeded"
)

type Decision struct {
	Retry   bool
	Delay   time.Duration
	Cause   Cause
	Attempt uint32
	Reason  GiveUpReason
}

// Policy decides whether and when to reconnect. It is not safe for
// concurrent use; the session loop owns it.
type Policy struct {
	cfg       Config
	now       func() time.Time
	attempt   Attempt
	exhausted bool
}

func New(cfg Config) *Policy {
	return NewWithClock(cfg, time.Now)
}

func NewWithClock(cfg Config, now func() time.Time) *Policy {
	def := DefaultConfig()
	if cfg.ServerBase <= 0 {
		cfg.ServerBase = def.ServerBase
	}
	if cfg.TransportBase <= 0 {
		cfg.TransportBase = def.TransportBase
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.ServerBudget == 0 {
		cfg.ServerBudget = def.ServerBudget
	}
	if cfg.TransportBudget == 0 {
		cfg.TransportBudget = def.TransportBudget
	}
	return &Policy{cfg: cfg, now: now, attempt: Attempt{Cause: CauseNone}}
}

// Next records a failure with the given close code and returns the decision.
// After the first give-up every call returns ErrExhausted.
func (p *Policy) Next(code int) (Decision, error) {
	if p.exhausted {
		return Decision{}, ErrExhausted
	}

	cause := Classify(code)
	if cause == CauseNone {
		return p.giveUp(cause, ReasonGraceful), nil
	}

	now := p.now()
	if p.attempt.Count == 0 {
		p.attempt.FirstAttemptAt = now
	}
	if now.Sub(p.attempt.FirstAttemptAt) >= p.cfg.Ceiling {
		return p.giveUp(cause, ReasonCeiling), nil
	}

	p.attempt.Count++
	p.attempt.Cause = cause
	if p.attempt.Count > p.budget(cause) {
		return p.giveUp(cause, ReasonBudget), nil
	}

	return Decision{
		Retry:   true,
		Delay:   p.Delay(cause, p.attempt.Count),
		Cause:   cause,
		Attempt: p.attempt.Count,
	}, nil
}

// Delay is the backoff for the n-th attempt (1-based) of a cause:
// server faults wait min(ServerBase*2^n, MaxDelay), transport errors
// min(TransportBase*2^(n-1), MaxDelay).
func (p *Policy) Delay(cause Cause, n uint32) time.Duration {
	if n == 0 {
		n = 1
	}
	base, exp := p.cfg.TransportBase, n-1
	if cause == CauseServer {
		base, exp = p.cfg.ServerBase, n
	}
	if exp >= 31 {
		return p.cfg.MaxDelay
	}
	d := base * time.Duration(1<<exp)
	if d > p.cfg.MaxDelay || d <= 0 {
		return p.cfg.MaxDelay
	}
	return d
}

// Reset clears the failure streak after a successful connection. An
// exhausted policy stays exhausted.
func (p *Policy) Reset() {
	p.attempt = Attempt{Cause: CauseNone}
}

func (p *Policy) Attempt() Attempt {
	return p.attempt
}

func (p *Policy) Exhausted() bool {
	return p.exhausted
}

// Ceiling returns the configured wall-clock ceiling.
func (p *Policy) Ceiling() time.Duration {
	return p.cfg.Ceiling
}

func (p *Policy) budget(cause Cause) uint32 {
	if cause == CauseServer {
		return p.cfg.ServerBudget
	}
	return p.cfg.TransportBudget
}

func (p *Policy) giveUp(cause Cause, reason GiveUpReason) Decision {
	p.exhausted = true
	return Decision{Cause: cause, Attempt: p.attempt.Count, Reason: reason}
}
