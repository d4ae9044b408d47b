package models

import (
	"fmt"
	"sync"

	"github.com/mailtide/mailtide/internal/enum"
)

// ServerConfig holds connection settings for one mail server.
type ServerConfig struct {
	Host     string             `json:"host"`
	Port     int                `json:"port"`
	Username string             `json:"username"`
	Password string             `json:"password"`
	Security enum.EmailSecurity `json:"security"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) UseTLS() bool {
	return c.Security == enum.EmailSecurityTLS || c.Security == enum.EmailSecuritySSL
}

// AccountConfig is the persisted configuration of one mailbox identity.
// IMAP and POP3 are optional; SMTP is mandatory.
type AccountConfig struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email"`
	IMAP  *ServerConfig `json:"imap,omitempty"`
	POP3  *ServerConfig `json:"pop3,omitempty"`
	SMTP  ServerConfig  `json:"smtp"`
}

func (c AccountConfig) HasIMAP() bool {
	return c.IMAP != nil
}

func (c AccountConfig) HasPOP3() bool {
	return c.POP3 != nil
}

func (c AccountConfig) DisplayName() string {
	return fmt.Sprintf("%s <%s>", c.Name, c.Email)
}

// Account is the runtime entity for one configured mailbox. All mutable state
// is guarded by an internal mutex; the struct is shared by handle between the
// orchestrator, the protocol clients and the health monitor. Callers read via
// Snapshot and never hold the lock across I/O.
type Account struct {
	mu sync.RWMutex

	config      AccountConfig
	imapStatus  enum.ConnectionStatus
	pop3Status  enum.ConnectionStatus
	smtpStatus  enum.ConnectionStatus
	lastError   string
	unreadCount int
	totalCount  int
	folders     []string
}

// AccountSnapshot is a point-in-time value copy of an Account.
type AccountSnapshot struct {
	Config      AccountConfig
	IMAPStatus  enum.ConnectionStatus
	POP3Status  enum.ConnectionStatus
	SMTPStatus  enum.ConnectionStatus
	LastError   string
	UnreadCount int
	TotalCount  int
	Folders     []string
}

func NewAccount(config AccountConfig) *Account {
	return &Account{
		config:     config,
		imapStatus: enum.ConnectionDisconnected,
		pop3Status: enum.ConnectionDisconnected,
		smtpStatus: enum.ConnectionDisconnected,
		folders:    []string{"INBOX"},
	}
}

func (a *Account) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.ID
}

func (a *Account) Config() AccountConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Snapshot copies out every field under the lock. The returned value is safe
// to use after the lock is released.
func (a *Account) Snapshot() AccountSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	folders := make([]string, len(a.folders))
	copy(folders, a.folders)

	return AccountSnapshot{
		Config:      a.config,
		IMAPStatus:  a.imapStatus,
		POP3Status:  a.pop3Status,
		SMTPStatus:  a.smtpStatus,
		LastError:   a.lastError,
		UnreadCount: a.unreadCount,
		TotalCount:  a.totalCount,
		Folders:     folders,
	}
}

// Reset replaces the configuration and returns every runtime field to its
// initial state. Used when an account is updated in place.
func (a *Account) Reset(config AccountConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = config
	a.imapStatus = enum.ConnectionDisconnected
	a.pop3Status = enum.ConnectionDisconnected
	a.smtpStatus = enum.ConnectionDisconnected
	a.lastError = ""
	a.unreadCount = 0
	a.totalCount = 0
	a.folders = []string{"INBOX"}
}

func (a *Account) Status(protocol enum.Protocol) enum.ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch protocol {
	case enum.ProtocolIMAP:
		return a.imapStatus
	case enum.ProtocolPOP3:
		return a.pop3Status
	case enum.ProtocolSMTP:
		return a.smtpStatus
	}
	return enum.ConnectionDisconnected
}

// SetStatus writes the connection status for one protocol. A protocol with no
// configuration is pinned to disconnected regardless of the requested value.
func (a *Account) SetStatus(protocol enum.Protocol, status enum.ConnectionStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch protocol {
	case enum.ProtocolIMAP:
		if !a.config.HasIMAP() {
			a.imapStatus = enum.ConnectionDisconnected
			return
		}
		a.imapStatus = status
	case enum.ProtocolPOP3:
		if !a.config.HasPOP3() {
			a.pop3Status = enum.ConnectionDisconnected
			return
		}
		a.pop3Status = status
	case enum.ProtocolSMTP:
		a.smtpStatus = status
	}
}

// SetFailure marks a protocol as failed and records the error text.
func (a *Account) SetFailure(protocol enum.Protocol, err error) {
	a.SetStatus(protocol, enum.ConnectionFailed)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = err.Error()
	}
}

func (a *Account) ClearError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = ""
}

func (a *Account) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

func (a *Account) SetCounts(total, unread int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalCount = total
	a.unreadCount = unread
}

func (a *Account) Counts() (total, unread int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalCount, a.unreadCount
}

func (a *Account) SetFolders(folders []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.folders = make([]string, len(folders))
	copy(a.folders, folders)
}

func (a *Account) Folders() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	folders := make([]string, len(a.folders))
	copy(folders, a.folders)
	return folders
}

// Summary produces the serializable snapshot persisted for offline use.
func (a *Account) Summary() AccountSummary {
	snap := a.Snapshot()
	return AccountSummary{
		ID:          snap.Config.ID,
		Name:        snap.Config.Name,
		Email:       snap.Config.Email,
		UnreadCount: snap.UnreadCount,
		TotalCount:  snap.TotalCount,
		Folders:     snap.Folders,
	}
}

// AccountSummary is the offline account metadata stored in the cache under
// the account:<id> key.
type AccountSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	UnreadCount int      `json:"unreadCount"`
	TotalCount  int      `json:"totalCount"`
	Folders     []string `json:"folders"`
}
