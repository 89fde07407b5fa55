package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/alertmail/internal/delivery"
	"github.com/linnemanlabs/alertmail/internal/mail/smtprelay"
	"github.com/linnemanlabs/alertmail/internal/routing"
)

// MaxUploadLimit is the largest accepted max-upload-bytes, the main listener
// refuses any request body above it.
const MaxUploadLimit = 64 << 20

// STARTTLS modes for plain relay connections.
const (
	StartTLSRequired = "required"
	StartTLSOff      = "off"
)

// Config adds relay-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIKey                string
	ServiceName           string

	SMTPHost            string
	SMTPPort            int
	SMTPSecure          bool
	SMTPStartTLS        string
	SMTPUser            string
	SMTPPass            string
	SMTPConnectTimeout  time.Duration
	SMTPGreetingTimeout time.Duration
	SMTPSocketTimeout   time.Duration
	SMTPVerify          bool
	SendTimeout         time.Duration

	FromName  string
	FromEmail string
	ProbeTo   string

	UploadDir      string
	MaxUploadBytes int64

	RulesFile string
	Rules     RuleFlags

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 10, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 3000, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIKey, "api-key", "", "shared secret expected in the X-API-Key header")
	fs.StringVar(&c.ServiceName, "service-name", "webhook-alertas", "service name reported on the root route")

	fs.StringVar(&c.SMTPHost, "smtp-host", "", "outbound SMTP relay host")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "outbound SMTP relay port (1..65535)")
	fs.BoolVar(&c.SMTPSecure, "smtp-secure", false, "use implicit TLS (typically port 465) instead of STARTTLS")
	fs.StringVar(&c.SMTPStartTLS, "smtp-starttls", StartTLSRequired, "STARTTLS on plain connections: required|off (ignored with smtp-secure)")
	fs.StringVar(&c.SMTPUser, "smtp-user", "", "SMTP username (empty = no auth)")
	fs.StringVar(&c.SMTPPass, "smtp-pass", "", "SMTP password")
	fs.DurationVar(&c.SMTPConnectTimeout, "smtp-connect-timeout", 20*time.Second, "SMTP connection timeout")
	fs.DurationVar(&c.SMTPGreetingTimeout, "smtp-greeting-timeout", 20*time.Second, "SMTP greeting and handshake timeout")
	fs.DurationVar(&c.SMTPSocketTimeout, "smtp-socket-timeout", 20*time.Second, "SMTP per-command inactivity timeout")
	fs.BoolVar(&c.SMTPVerify, "smtp-verify", true, "check relay connectivity and credentials at startup (never fatal)")
	fs.DurationVar(&c.SendTimeout, "send-timeout", 60*time.Second, "upper bound for one whole SMTP transaction")

	fs.StringVar(&c.FromName, "from-name", "Automatizacion TSI", "display name on outgoing mail")
	fs.StringVar(&c.FromEmail, "from-email", "", "sender address (empty = smtp-user)")
	fs.StringVar(&c.ProbeTo, "probe-to", "", "recipient of /mailtest messages (empty = smtp-user)")

	fs.StringVar(&c.UploadDir, "upload-dir", "uploads", "directory holding uploads while they are delivered")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 25<<20, "maximum upload request size in bytes")

	fs.StringVar(&c.RulesFile, "rules-file", "", "JSON file of recipient rules [{\"match\":..,\"addresses\":[..]}]")
	fs.Var(&c.Rules, "rule", "recipient rule \"Match=addr1;addr2\" (repeatable, applied after rules-file)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for delivery failure notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// an empty key would reject every upload
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}

	if c.SMTPHost == "" {
		errs = append(errs, errors.New("SMTP_HOST is required"))
	}
	if c.SMTPStartTLS != StartTLSRequired && c.SMTPStartTLS != StartTLSOff {
		errs = append(errs, fmt.Errorf("invalid SMTP_STARTTLS %q (must be %s or %s)", c.SMTPStartTLS, StartTLSRequired, StartTLSOff))
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
	}
	if c.FromAddress() == "" {
		errs = append(errs, errors.New("FROM_EMAIL or SMTP_USER is required"))
	}

	for name, d := range map[string]time.Duration{
		"SMTP_CONNECT_TIMEOUT":  c.SMTPConnectTimeout,
		"SMTP_GREETING_TIMEOUT": c.SMTPGreetingTimeout,
		"SMTP_SOCKET_TIMEOUT":   c.SMTPSocketTimeout,
		"SEND_TIMEOUT":          c.SendTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %s (must be > 0)", name, d))
		}
	}

	if c.UploadDir == "" {
		errs = append(errs, errors.New("UPLOAD_DIR is required"))
	}
	if c.MaxUploadBytes <= 0 || c.MaxUploadBytes > MaxUploadLimit {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_BYTES %d (must be 1-%d)", c.MaxUploadBytes, MaxUploadLimit))
	}

	if _, err := c.RuleTable(); err != nil {
		errs = append(errs, fmt.Errorf("invalid recipient rules: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FromAddress is the sender mailbox, falling back to the SMTP username.
func (c *Config) FromAddress() string {
	if c.FromEmail != "" {
		return c.FromEmail
	}
	return c.SMTPUser
}

// RuleTable builds the recipient table: rules-file entries first, then
// -rule flags, each in declaration order.
func (c *Config) RuleTable() (*routing.Table, error) {
	var rules []routing.Rule
	if c.RulesFile != "" {
		fileRules, err := routing.LoadRulesFile(c.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	rules = append(rules, c.Rules...)
	return routing.NewTable(rules...)
}

// SMTP returns the relay client configuration.
func (c *Config) SMTP() smtprelay.Config {
	return smtprelay.Config{
		Host:            c.SMTPHost,
		Port:            c.SMTPPort,
		Secure:          c.SMTPSecure,
		StartTLS:        !c.SMTPSecure && c.SMTPStartTLS == StartTLSRequired,
		Username:        c.SMTPUser,
		Password:        c.SMTPPass,
		ConnectTimeout:  c.SMTPConnectTimeout,
		GreetingTimeout: c.SMTPGreetingTimeout,
		SocketTimeout:   c.SMTPSocketTimeout,
	}
}

// Delivery returns the delivery service configuration.
func (c *Config) Delivery() delivery.Config {
	probeTo := c.ProbeTo
	if probeTo == "" {
		probeTo = c.SMTPUser
	}
	return delivery.Config{
		FromName:    c.FromName,
		FromAddress: c.FromAddress(),
		ProbeTo:     probeTo,
		SendTimeout: c.SendTimeout,
	}
}

// RuleFlags collects repeated -rule values. A value holding several lines
// adds one rule per non-blank line, so a single env var can carry a list.
type RuleFlags []routing.Rule

func (r *RuleFlags) String() string {
	if r == nil {
		return ""
	}
	parts := make([]string, len(*r))
	for i, rule := range *r {
		parts[i] = rule.Match + "=" + strings.Join(rule.Addresses, ";")
	}
	return strings.Join(parts, "\n")
}

func (r *RuleFlags) Set(s string) error {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rule, err := routing.ParseRule(line)
		if err != nil {
			return err
		}
		*r = append(*r, rule)
	}
	return nil
}
