package cfg

import (
	"flag"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          10,
		ShutdownBudgetSeconds: 90,
		APIPort:               3000,
		APIKey:                "test-key",
		ServiceName:           "webhook-alertas",
		SMTPHost:              "smtp.example.com",
		SMTPPort:              587,
		SMTPStartTLS:          StartTLSRequired,
		SMTPUser:              "relay@example.com",
		SMTPConnectTimeout:    20 * time.Second,
		SMTPGreetingTimeout:   20 * time.Second,
		SMTPSocketTimeout:     20 * time.Second,
		SendTimeout:           60 * time.Second,
		FromName:              "Automatizacion TSI",
		UploadDir:             "uploads",
		MaxUploadBytes:        25 << 20,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 10 {
		t.Errorf("DrainSeconds = %d, want 10", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 3000 {
		t.Errorf("APIPort = %d, want 3000", c.APIPort)
	}
	if c.SMTPPort != 587 || c.SMTPSecure {
		t.Errorf("SMTPPort/Secure = %d/%v, want 587/false", c.SMTPPort, c.SMTPSecure)
	}
	if c.SMTPStartTLS != StartTLSRequired {
		t.Errorf("SMTPStartTLS = %q, want %q", c.SMTPStartTLS, StartTLSRequired)
	}
	if c.SMTPConnectTimeout != 20*time.Second || c.SMTPGreetingTimeout != 20*time.Second || c.SMTPSocketTimeout != 20*time.Second {
		t.Errorf("smtp timeouts = %v/%v/%v, want 20s each", c.SMTPConnectTimeout, c.SMTPGreetingTimeout, c.SMTPSocketTimeout)
	}
	if c.SendTimeout != 60*time.Second {
		t.Errorf("SendTimeout = %v, want 60s", c.SendTimeout)
	}
	if !c.SMTPVerify {
		t.Error("SMTPVerify = false, want true")
	}
	if c.FromName != "Automatizacion TSI" {
		t.Errorf("FromName = %q", c.FromName)
	}
	if c.ServiceName != "webhook-alertas" {
		t.Errorf("ServiceName = %q", c.ServiceName)
	}
	if c.UploadDir != "uploads" {
		t.Errorf("UploadDir = %q", c.UploadDir)
	}
	if c.MaxUploadBytes != 25<<20 {
		t.Errorf("MaxUploadBytes = %d, want 25 MiB", c.MaxUploadBytes)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-http-port", "9090",
		"-api-key", "k",
		"-smtp-host", "mail.example.com",
		"-smtp-port", "465",
		"-smtp-secure",
		"-smtp-user", "u@example.com",
		"-smtp-socket-timeout", "5s",
		"-from-email", "alerts@example.com",
		"-rule", "Alerta PRL=a@x.com;b@y.com",
		"-rule", "Informe=c@z.com",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 || c.APIPort != 9090 {
		t.Errorf("DrainSeconds/APIPort = %d/%d", c.DrainSeconds, c.APIPort)
	}
	if c.SMTPHost != "mail.example.com" || c.SMTPPort != 465 || !c.SMTPSecure {
		t.Errorf("smtp = %s:%d secure=%v", c.SMTPHost, c.SMTPPort, c.SMTPSecure)
	}
	if c.SMTPSocketTimeout != 5*time.Second {
		t.Errorf("SMTPSocketTimeout = %v", c.SMTPSocketTimeout)
	}
	if c.FromAddress() != "alerts@example.com" {
		t.Errorf("FromAddress() = %q", c.FromAddress())
	}
	if len(c.Rules) != 2 || c.Rules[0].Match != "Alerta PRL" || c.Rules[1].Match != "Informe" {
		t.Fatalf("Rules = %+v", c.Rules)
	}
	if strings.Join(c.Rules[0].Addresses, ",") != "a@x.com,b@y.com" {
		t.Errorf("rule addresses = %v", c.Rules[0].Addresses)
	}
}

func TestRuleFlags_MultiLineValue(t *testing.T) {
	t.Parallel()

	var r RuleFlags
	if err := r.Set("Alerta PRL=a@x.com\n\n  \nInforme=b@y.com;c@z.com\n"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(r) != 2 {
		t.Fatalf("rules = %+v, want 2", r)
	}
	if got := r.String(); got != "Alerta PRL=a@x.com\nInforme=b@y.com;c@z.com" {
		t.Errorf("String() = %q", got)
	}
	if err := r.Set("no-separator"); err == nil {
		t.Error("Set accepted a rule without '='")
	}

	var nilRules *RuleFlags
	if nilRules.String() != "" {
		t.Error("nil RuleFlags String() not empty")
	}
}

func TestRuleTable_FileThenFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.json")
	data := `[{"match":"MANTTO","addresses":["m@x.com"]},{"match":"Alerta","addresses":["a@x.com"]}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	c := validBase()
	c.RulesFile = path
	if err := c.Rules.Set("Alerta PRL=flag@x.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	table, err := c.RuleTable()
	if err != nil {
		t.Fatalf("RuleTable: %v", err)
	}
	rules := table.Rules()
	if len(rules) != 3 {
		t.Fatalf("rules = %+v, want 3", rules)
	}
	want := []string{"MANTTO", "Alerta", "Alerta PRL"}
	for i, w := range want {
		if rules[i].Match != w {
			t.Errorf("rule %d = %q, want %q", i, rules[i].Match, w)
		}
	}

	// file rules are declared first, so the broader file token wins
	r, ok := table.Match("Alerta PRL report.pdf")
	if !ok || r.Addresses[0] != "a@x.com" {
		t.Errorf("Match = %+v, %v", r, ok)
	}
}

func TestRuleTable_MissingFile(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.RulesFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := c.RuleTable(); err == nil {
		t.Fatal("expected error for missing rules file")
	}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "recipient rules") {
		t.Errorf("Validate() = %v, want recipient rules error", err)
	}
}

func TestSMTP_TLSMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		secure       bool
		starttls     string
		wantSecure   bool
		wantStartTLS bool
	}{
		{"starttls required", false, StartTLSRequired, false, true},
		{"starttls off", false, StartTLSOff, false, false},
		{"implicit tls ignores starttls", true, StartTLSRequired, true, false},
		{"implicit tls with starttls off", true, StartTLSOff, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			c.SMTPSecure = tt.secure
			c.SMTPStartTLS = tt.starttls
			s := c.SMTP()
			if s.Secure != tt.wantSecure || s.StartTLS != tt.wantStartTLS {
				t.Errorf("SMTP() secure/starttls = %v/%v, want %v/%v", s.Secure, s.StartTLS, tt.wantSecure, tt.wantStartTLS)
			}
		})
	}
}

func TestSMTPAndDelivery(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.SMTPPass = "p"
	c.SMTPSecure = true

	s := c.SMTP()
	if s.Host != "smtp.example.com" || s.Port != 587 || !s.Secure || s.Username != "relay@example.com" || s.Password != "p" {
		t.Errorf("SMTP() = %+v", s)
	}
	if s.ConnectTimeout != 20*time.Second || s.GreetingTimeout != 20*time.Second || s.SocketTimeout != 20*time.Second {
		t.Errorf("SMTP() timeouts = %+v", s)
	}

	d := c.Delivery()
	if d.FromName != "Automatizacion TSI" || d.FromAddress != "relay@example.com" {
		t.Errorf("Delivery() from = %q <%s>", d.FromName, d.FromAddress)
	}
	if d.ProbeTo != "relay@example.com" {
		t.Errorf("Delivery() ProbeTo = %q, want smtp user", d.ProbeTo)
	}
	if d.SendTimeout != 60*time.Second {
		t.Errorf("Delivery() SendTimeout = %v", d.SendTimeout)
	}

	c.FromEmail = "alerts@example.com"
	c.ProbeTo = "ops@example.com"
	d = c.Delivery()
	if d.FromAddress != "alerts@example.com" || d.ProbeTo != "ops@example.com" {
		t.Errorf("Delivery() = %+v", d)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "from email without smtp user",
			mutate: func(c *Config) {
				c.SMTPUser = ""
				c.FromEmail = "alerts@example.com"
			},
		},
		{
			name:   "budget is drain plus one",
			mutate: func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 61 },
		},
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mutate:    func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mutate:    func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 60 },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "blank api key",
			mutate:    func(c *Config) { c.APIKey = "   " },
			wantErr:   true,
			errSubstr: []string{"API_KEY"},
		},
		{
			name:      "missing smtp host",
			mutate:    func(c *Config) { c.SMTPHost = "" },
			wantErr:   true,
			errSubstr: []string{"SMTP_HOST"},
		},
		{
			name:      "smtp port zero",
			mutate:    func(c *Config) { c.SMTPPort = 0 },
			wantErr:   true,
			errSubstr: []string{"SMTP_PORT"},
		},
		{
			name: "no sender address",
			mutate: func(c *Config) {
				c.SMTPUser = ""
				c.FromEmail = ""
			},
			wantErr:   true,
			errSubstr: []string{"FROM_EMAIL or SMTP_USER"},
		},
		{
			name:      "zero socket timeout",
			mutate:    func(c *Config) { c.SMTPSocketTimeout = 0 },
			wantErr:   true,
			errSubstr: []string{"SMTP_SOCKET_TIMEOUT"},
		},
		{
			name:      "negative send timeout",
			mutate:    func(c *Config) { c.SendTimeout = -time.Second },
			wantErr:   true,
			errSubstr: []string{"SEND_TIMEOUT"},
		},
		{
			name:      "empty upload dir",
			mutate:    func(c *Config) { c.UploadDir = "" },
			wantErr:   true,
			errSubstr: []string{"UPLOAD_DIR"},
		},
		{
			name:      "unknown starttls mode",
			mutate:    func(c *Config) { c.SMTPStartTLS = "opportunistic" },
			wantErr:   true,
			errSubstr: []string{"SMTP_STARTTLS"},
		},
		{
			name:   "starttls off",
			mutate: func(c *Config) { c.SMTPStartTLS = StartTLSOff },
		},
		{
			name:      "zero upload limit",
			mutate:    func(c *Config) { c.MaxUploadBytes = 0 },
			wantErr:   true,
			errSubstr: []string{"MAX_UPLOAD_BYTES"},
		},
		{
			name:      "upload limit above listener cap",
			mutate:    func(c *Config) { c.MaxUploadBytes = MaxUploadLimit + 1 },
			wantErr:   true,
			errSubstr: []string{"MAX_UPLOAD_BYTES"},
		},
		{
			name:   "upload limit at listener cap",
			mutate: func(c *Config) { c.MaxUploadBytes = MaxUploadLimit },
		},
		{
			name: "all fields invalid",
			mutate: func(c *Config) {
				*c = Config{}
			},
			wantErr: true,
			errSubstr: []string{
				"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_KEY",
				"SMTP_HOST", "SMTP_PORT", "FROM_EMAIL", "SMTP_CONNECT_TIMEOUT",
				"SMTP_GREETING_TIMEOUT", "SMTP_SOCKET_TIMEOUT", "SEND_TIMEOUT",
				"UPLOAD_DIR", "MAX_UPLOAD_BYTES", "SMTP_STARTTLS",
			},
		},
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, smtpPort int
		key, host, user               string
	}{
		{10, 90, 3000, 587, "k", "smtp.example.com", "u@example.com"},
		{1, 2, 1, 1, "k", "h", "u"},
		{299, 300, 65535, 65535, "k", "h", "u"},
		{0, 0, 0, 0, "", "", ""},
		{-1, -1, -1, -1, " ", "", ""},
		{300, 300, 65535, 465, "k", "h", "u"},
		{301, 302, 65536, 65536, "", "", ""},
		{150, 100, 8080, 25, "k", "h", "u"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.smtpPort, s.key, s.host, s.user)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, smtpPort int, key, host, user string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.SMTPPort = smtpPort
		c.APIKey = key
		c.SMTPHost = host
		c.SMTPUser = user
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		smtpPortOK := smtpPort >= 1 && smtpPort <= 65535
		crossOK := budget > drain
		keyOK := strings.TrimSpace(key) != ""
		hostOK := host != ""
		userOK := user != ""

		allValid := drainOK && budgetOK && portOK && smtpPortOK && crossOK && keyOK && hostOK && userOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
