package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/opentracing/opentracing-go"

	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/enum"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/tracing"
	"github.com/mailtide/mailtide/services/accounts"
)

// Monitor is the background connection supervisor. On every tick it probes
// connected clients, demotes the ones whose probe fails and reconnects
// disconnected ones. Reconnect attempts are rate limited per account and
// protocol with exponential backoff so a dead server is not hammered on
// every tick.
type Monitor struct {
	log          logger.Logger
	orchestrator *accounts.Orchestrator
	interval     time.Duration

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	backoffs    map[string]*backoff.Backoff
	nextAttempt map[string]time.Time
}

func NewMonitor(log logger.Logger, orchestrator *accounts.Orchestrator, interval time.Duration) *Monitor {
	return &Monitor{
		log:          log,
		orchestrator: orchestrator,
		interval:     interval,
		backoffs:     make(map[string]*backoff.Backoff),
		nextAttempt:  make(map[string]time.Time),
	}
}

// Start launches the supervision loop. Calling Start while running is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(m.stopCh, m.doneCh)
	m.log.Infof("health monitor started, interval %s", m.interval)
}

// Stop signals the loop and waits for it to finish the current pass.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.log.Info("health monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer tracing.RecoverAndLogToJaeger(m.log)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.CheckAll(context.Background())
		}
	}
}

// CheckAll runs one supervision pass over every account.
func (m *Monitor) CheckAll(ctx context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Monitor.CheckAll")
	defer span.Finish()
	tracing.TagComponentHealthCheck(span)

	for _, snapshot := range m.orchestrator.ListAccounts() {
		accountID := snapshot.Config.ID
		clients, err := m.orchestrator.Clients(accountID)
		if err != nil {
			continue
		}

		if clients.IMAP != nil {
			m.checkClient(ctx, accountID, enum.ProtocolIMAP, clients.IMAP)
		}
		if clients.POP3 != nil {
			m.checkClient(ctx, accountID, enum.ProtocolPOP3, clients.POP3)
		}
		m.checkClient(ctx, accountID, enum.ProtocolSMTP, clients.SMTP)
	}
}

// checkClient applies the supervision policy to one protocol client:
// connected clients are probed and demoted to disconnected when the probe
// fails; disconnected and failed clients are reconnected, gated by backoff.
// Clients mid-connect are left alone.
func (m *Monitor) checkClient(ctx context.Context, accountID string, protocol enum.Protocol, client interfaces.ProtocolClient) {
	account, err := m.orchestrator.Account(accountID)
	if err != nil {
		return
	}

	switch account.Status(protocol) {
	case enum.ConnectionConnected:
		prober, ok := client.(interfaces.LivenessProber)
		if !ok {
			return
		}
		if err := prober.Probe(ctx); err != nil {
			m.log.Warnf("%s probe failed for account %s, marking disconnected: %v", protocol, accountID, err)
			client.Disconnect()
			account.SetStatus(protocol, enum.ConnectionDisconnected)
		} else {
			m.resetBackoff(accountID, protocol)
		}

	case enum.ConnectionDisconnected, enum.ConnectionFailed:
		if !m.attemptDue(accountID, protocol) {
			return
		}
		if err := client.Connect(ctx); err != nil {
			delay := m.nextDelay(accountID, protocol)
			m.log.Warnf("%s reconnect failed for account %s, next attempt in %s: %v", protocol, accountID, delay, err)
		} else {
			m.log.Infof("%s reconnected for account %s", protocol, accountID)
			m.resetBackoff(accountID, protocol)
		}
	}
}

func backoffKey(accountID string, protocol enum.Protocol) string {
	return fmt.Sprintf("%s/%s", accountID, protocol)
}

func (m *Monitor) attemptDue(accountID string, protocol enum.Protocol) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.nextAttempt[backoffKey(accountID, protocol)]
	return !ok || !time.Now().Before(next)
}

// nextDelay advances the backoff for one connection and schedules the next
// allowed attempt.
func (m *Monitor) nextDelay(accountID string, protocol enum.Protocol) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := backoffKey(accountID, protocol)
	b, ok := m.backoffs[key]
	if !ok {
		b = &backoff.Backoff{
			Min:    m.interval,
			Max:    10 * time.Minute,
			Factor: 2,
			Jitter: true,
		}
		m.backoffs[key] = b
	}

	delay := b.Duration()
	m.nextAttempt[key] = time.Now().Add(delay)
	return delay
}

func (m *Monitor) resetBackoff(accountID string, protocol enum.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := backoffKey(accountID, protocol)
	if b, ok := m.backoffs[key]; ok {
		b.Reset()
	}
	delete(m.nextAttempt, key)
}
