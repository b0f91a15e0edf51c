package connectivity

import (
	"context"
	"net/http"
	"time"

	"bizmsg/internal/constants"
	"bizmsg/internal/retry"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

type ProbeOptions struct {
	URL string
	// Interval between pings on an open connection (default 10s).
	Interval    time.Duration
	DialTimeout time.Duration
	// Token is sent as a bearer token on the upgrade request.
	Token   string
	Backoff *retry.Backoff
	Logger  *logrus.Logger
}

// Probe keeps a WebSocket open to the messaging server and drives a Signal from it:
// online while the connection answers pings, offline while dialing fails.
type Probe struct {
	opts   ProbeOptions
	signal *Signal
}

func NewProbe(signal *Signal, opts ProbeOptions) *Probe {
	if opts.Interval <= 0 {
		opts.Interval = time.Duration(constants.DefaultProbeIntervalSec) * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Duration(constants.DefaultProbeDialTimeoutSec) * time.Second
	}
	if opts.Backoff == nil || !opts.Backoff.Enabled() {
		opts.Backoff = retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     time.Duration(constants.DefaultProbeMaxBackoffSec) * time.Second,
			Multiplier:   2,
			MaxAttempts:  1,
			Jitter:       true,
		})
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Probe{opts: opts, signal: signal}
}

// Run probes until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) error {
	p.opts.Logger.WithField("url", p.opts.URL).Info("Starting connectivity probe")

	failures := 0
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			p.opts.Logger.Info("Connectivity probe stopped")
			return nil
		}

		p.signal.Set(false)
		if err == nil {
			failures = 0
		}
		failures++
		delay := p.opts.Backoff.Delay(failures)
		p.opts.Logger.WithFields(logrus.Fields{
			"error":    err,
			"attempt":  failures,
			"retry_in": delay.String(),
		}).Debug("Connectivity probe disconnected")

		select {
		case <-ctx.Done():
			p.opts.Logger.Info("Connectivity probe stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// session dials once and pings until the connection fails. It returns nil when an
// established connection dropped and the dial error otherwise.
func (p *Probe) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	var dialOpts *websocket.DialOptions
	if p.opts.Token != "" {
		dialOpts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + p.opts.Token}}}
	}

	conn, _, err := websocket.Dial(dialCtx, p.opts.URL, dialOpts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	p.signal.Set(true)

	// CloseRead keeps a reader running so control frames and pongs are handled.
	connCtx := conn.CloseRead(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(connCtx, p.opts.DialTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return nil
			}
		}
	}
}
