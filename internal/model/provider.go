package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ErrProviderConfig marks a provider whose protocol settings are unusable.
// Sessions for such providers are never started or retried.
var ErrProviderConfig = errors.New("invalid provider configuration")

// ProviderStatus is the lifecycle state of a provider
type ProviderStatus string

const (
	ProviderDraft      ProviderStatus = "draft"
	ProviderBeta       ProviderStatus = "beta"
	ProviderActive     ProviderStatus = "active"
	ProviderDeprecated ProviderStatus = "deprecated"
)

// Valid reports whether s is a known provider status
func (s ProviderStatus) Valid() bool {
	switch s {
	case ProviderDraft, ProviderBeta, ProviderActive, ProviderDeprecated:
		return true
	}
	return false
}

const (
	AuthPassword = "password"
	AuthOAuth2   = "oauth2"
)

// ProviderConfig is the JSON document stored in providers.config
type ProviderConfig struct {
	IMAP *IMAPSettings `json:"imap,omitempty" yaml:"imap,omitempty"`
}

// IMAPSettings holds the mailbox protocol settings of a provider
type IMAPSettings struct {
	Host    string   `json:"host" yaml:"host"`
	Port    int      `json:"port" yaml:"port"`
	TLS     *bool    `json:"tls,omitempty" yaml:"tls,omitempty"`
	Mailbox string   `json:"mailbox,omitempty" yaml:"mailbox,omitempty"`
	Auth    IMAPAuth `json:"auth" yaml:"auth"`
}

// IMAPAuth holds credentials. Secret fields are references resolved at
// connect time: "env:NAME", "keyring:KEY" or a literal value.
type IMAPAuth struct {
	Method       string `json:"method,omitempty" yaml:"method,omitempty"`
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	TokenURL     string `json:"token_url,omitempty" yaml:"token_url,omitempty"`
}

// UseTLS defaults to implicit TLS when unset
func (s *IMAPSettings) UseTLS() bool {
	return s.TLS == nil || *s.TLS
}

// MailboxName defaults to INBOX
func (s *IMAPSettings) MailboxName() string {
	if strings.TrimSpace(s.Mailbox) == "" {
		return "INBOX"
	}
	return s.Mailbox
}

// Addr returns host:port, defaulting the port from the TLS mode
func (s *IMAPSettings) Addr() string {
	port := s.Port
	if port == 0 {
		port = 143
		if s.UseTLS() {
			port = 993
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// AuthMethod defaults to password authentication
func (s *IMAPSettings) AuthMethod() string {
	if s.Auth.Method == "" {
		return AuthPassword
	}
	return strings.ToLower(s.Auth.Method)
}

// Validate checks that the settings are complete enough to connect
func (s *IMAPSettings) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("%w: imap host is required", ErrProviderConfig)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: imap port %d out of range", ErrProviderConfig, s.Port)
	}
	if strings.TrimSpace(s.Auth.Username) == "" {
		return fmt.Errorf("%w: imap username is required", ErrProviderConfig)
	}
	switch s.AuthMethod() {
	case AuthPassword:
		if s.Auth.Password == "" {
			return fmt.Errorf("%w: imap password is required", ErrProviderConfig)
		}
	case AuthOAuth2:
		if s.Auth.ClientID == "" || s.Auth.RefreshToken == "" {
			return fmt.Errorf("%w: oauth2 client_id and refresh_token are required", ErrProviderConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrProviderConfig, s.Auth.Method)
	}
	return nil
}

// ProviderRuntime is the independently updatable runtime section of a provider
type ProviderRuntime struct {
	Cursor      *uint32    `json:"cursor"`
	Mailbox     string     `json:"mailbox" gorm:"type:varchar(255)"`
	UIDValidity uint32     `json:"uid_validity" gorm:"column:uid_validity;not null;default:0"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// Provider represents a mailbox-backed event source
type Provider struct {
	ID        string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name      string          `json:"name" gorm:"type:varchar(255)"`
	Category  string          `json:"category" gorm:"type:varchar(64);index"`
	Trusted   bool            `json:"trusted"`
	Status    ProviderStatus  `json:"status" gorm:"type:varchar(32);not null;default:draft;index"`
	Config    datatypes.JSON  `json:"config"`
	Runtime   ProviderRuntime `json:"runtime" gorm:"embedded;embeddedPrefix:runtime_"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TableName specifies the table name for Provider
func (Provider) TableName() string {
	return "providers"
}

// IMAPSettings decodes and validates the protocol section of the provider config
func (p *Provider) IMAPSettings() (*IMAPSettings, error) {
	if len(p.Config) == 0 {
		return nil, fmt.Errorf("%w: provider %s has no config", ErrProviderConfig, p.ID)
	}
	var cfg ProviderConfig
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", ErrProviderConfig, p.ID, err)
	}
	if cfg.IMAP == nil {
		return nil, fmt.Errorf("%w: provider %s has no imap settings", ErrProviderConfig, p.ID)
	}
	if err := cfg.IMAP.Validate(); err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	return cfg.IMAP, nil
}
