// internal/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the resolved application configuration. It is built once at
// startup and handed to the components that need it.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Mailer     MailerConfig     `mapstructure:"mailer"`
	Sender     SenderConfig     `mapstructure:"sender"`
	Template   TemplateConfig   `mapstructure:"template"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Sources    []SourceConfig   `mapstructure:"sources"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the lib/pq connection string.
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AMQPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
}

// MailerConfig describes the outbound relay. Transport is "smtp" or "ses";
// when the relay is disabled or incomplete the local sendmail binary is used.
type MailerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Transport         string        `mapstructure:"transport"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Security          string        `mapstructure:"security"` // none, ssl, tls
	Username          string        `mapstructure:"username"`
	PasswordEncrypted string        `mapstructure:"password_encrypted"`
	SendmailPath      string        `mapstructure:"sendmail_path"`
	SESRegion         string        `mapstructure:"ses_region"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type SenderConfig struct {
	FromName  string `mapstructure:"from_name"`
	FromEmail string `mapstructure:"from_email"`
	ReplyTo   string `mapstructure:"reply_to"`
}

// TemplateConfig holds the global header/footer composed around every
// campaign body and the base URL of the unsubscribe page.
type TemplateConfig struct {
	Header         string `mapstructure:"header"`
	Footer         string `mapstructure:"footer"`
	UnsubscribeURL string `mapstructure:"unsubscribe_url"`
}

type DispatcherConfig struct {
	EmailsPerMinute int           `mapstructure:"emails_per_minute"`
	Interval        time.Duration `mapstructure:"interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	Workers         int           `mapstructure:"workers"`
}

// SecretsConfig holds the two installation secrets the relay credential
// key is derived from.
type SecretsConfig struct {
	AuthKey  string `mapstructure:"auth_key"`
	AuthSalt string `mapstructure:"auth_salt"`
}

// SourceConfig declares a static external recipient source.
type SourceConfig struct {
	Name       string                  `mapstructure:"name"`
	Recipients []SourceRecipientConfig `mapstructure:"recipients"`
}

type SourceRecipientConfig struct {
	Email     string `mapstructure:"email"`
	FirstName string `mapstructure:"first_name"`
	LastName  string `mapstructure:"last_name"`
	Selector  string `mapstructure:"selector"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
