// Package scraper runs the external scraping engine as a child process.
//
// The protocol is JSON lines. The adapter writes one request line to the
// child's stdin, then reads lines from its stdout:
//
//	{"type":"progress","phase":"authenticating","message":"..."}
//	{"type":"otp_request"}         adapter answers {"type":"otp","code":"..."}
//	{"type":"result","success":true,"accounts":[...]}
//
// A child that exits without a result line is an execution error.
package scraper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/domain"
	"github.com/cardledger/cardledger/internal/logger"
)

// maxLine bounds one protocol line; result lines carry whole statements.
const maxLine = 32 << 20

// ErrNoResult is returned when the child exits without a result line.
var ErrNoResult = errors.New("scraper exited without a result")

// Config locates the scraper executable.
type Config struct {
	Command string
	Args    []string
	// Env replaces the child's environment when non-nil.
	Env []string
	// WaitDelay bounds how long a cancelled child may linger.
	WaitDelay time.Duration
}

// Process is a domain.Scraper backed by one child process per Scrape call.
type Process struct {
	cfg Config
}

// New creates a process adapter.
func New(cfg Config) *Process {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	return &Process{cfg: cfg}
}

type request struct {
	Vendor      string            `json:"vendor"`
	Credentials map[string]string `json:"credentials"`
	Options     requestOptions    `json:"options"`
}

type requestOptions struct {
	StartDate        string   `json:"startDate"`
	ExcludedAccounts []string `json:"excludedAccounts,omitempty"`
}

type message struct {
	Type    string       `json:"type"`
	Phase   domain.Phase `json:"phase,omitempty"`
	Message string       `json:"message,omitempty"`
	domain.ScrapeResult
}

type reply struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Scrape runs one session. Cancelling ctx kills the child.
func (p *Process) Scrape(ctx context.Context, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
	if p.cfg.Command == "" {
		return nil, errors.New("scraper command not configured")
	}
	log := logger.FromContext(ctx).With().Str("vendor", req.Credential.Vendor).Logger()

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.WaitDelay = p.cfg.WaitDelay
	if p.cfg.Env != nil {
		cmd.Env = p.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start scraper: %w", err)
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("scraper started")

	res, runErr := p.converse(ctx, log, req, stdin, stdout)
	stdin.Close()
	if runErr != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	// drain so Wait can return
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case runErr != nil:
		return nil, runErr
	case res != nil:
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case waitErr != nil:
		return nil, fmt.Errorf("%w: %v: %s", ErrNoResult, waitErr, stderr.String())
	default:
		return nil, ErrNoResult
	}
}

func (p *Process) converse(ctx context.Context, log zerolog.Logger, req domain.ScrapeRequest, stdin io.Writer, stdout io.Reader) (*domain.ScrapeResult, error) {
	enc := json.NewEncoder(stdin)
	start := ""
	if !req.Options.StartDate.IsZero() {
		start = req.Options.StartDate.Format(domain.DateLayout)
	}
	if err := enc.Encode(request{
		Vendor:      req.Credential.Vendor,
		Credentials: req.Credential.Fields,
		Options: requestOptions{
			StartDate:        start,
			ExcludedAccounts: req.Options.ExcludedAccounts,
		},
	}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug().Err(err).Msg("skip malformed scraper line")
			continue
		}

		switch msg.Type {
		case "progress":
			if req.Progress != nil {
				phase := msg.Phase
				if phase == "" {
					phase = domain.PhaseFetching
				}
				req.Progress(phase, msg.Message)
			}
		case "otp_request":
			if req.OTP == nil {
				_ = enc.Encode(reply{Type: "otp_error", Message: "no code source"})
				return nil, domain.ErrChallengeTimeout
			}
			code, err := req.OTP(ctx)
			if err != nil {
				_ = enc.Encode(reply{Type: "otp_error", Message: err.Error()})
				return nil, err
			}
			if err := enc.Encode(reply{Type: "otp", Code: code}); err != nil {
				return nil, fmt.Errorf("write code: %w", err)
			}
		case "result":
			res := msg.ScrapeResult
			return &res, nil
		default:
			log.Debug().Str("type", msg.Type).Msg("ignore scraper message")
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("read scraper output: %w", err)
	}
	return nil, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
