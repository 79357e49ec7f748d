package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/EFForg/portal-access/models"
	"github.com/EFForg/portal-access/util"
	"github.com/pkg/errors"
)

// BlacklistStore records addresses that bounced or complained.
type BlacklistStore interface {
	PutBlacklistedEmail(email string, reason string, timestamp time.Time) error
	IsBlacklistedEmail(string) (bool, error)
}

// Config stores variables needed to submit emails for sending, as well as
// to generate the templates.
type Config struct {
	auth               smtp.Auth
	username           string
	password           string
	submissionHostname string
	port               string
	sender             string
	website            string // Needed to generate email template text.
	database           BlacklistStore
}

// MakeConfigFromEnv initializes our email config object with
// environment variables.
func MakeConfigFromEnv(database BlacklistStore) (Config, error) {
	// create config
	varErrs := util.Errors{}
	c := Config{
		username:           util.RequireEnv("SMTP_USERNAME", &varErrs),
		password:           util.RequireEnv("SMTP_PASSWORD", &varErrs),
		submissionHostname: util.RequireEnv("SMTP_ENDPOINT", &varErrs),
		port:               util.RequireEnv("SMTP_PORT", &varErrs),
		sender:             util.RequireEnv("SMTP_FROM_ADDRESS", &varErrs),
		website:            util.RequireEnv("FRONTEND_WEBSITE_LINK", &varErrs),
		database:           database,
	}
	if len(varErrs) > 0 {
		return c, varErrs
	}
	log.Printf("Establishing auth connection with SMTP server %s", c.submissionHostname)
	// create auth
	client, err := smtp.Dial(fmt.Sprintf("%s:%s", c.submissionHostname, c.port))
	if err != nil {
		return c, err
	}
	defer client.Close()
	err = client.StartTLS(&tls.Config{ServerName: c.submissionHostname})
	if err != nil {
		return c, fmt.Errorf("SMTP server doesn't support STARTTLS")
	}
	ok, auths := client.Extension("AUTH")
	if !ok {
		return c, fmt.Errorf("remote SMTP server doesn't support any authentication mechanisms")
	}
	if strings.Contains(auths, "PLAIN") {
		c.auth = smtp.PlainAuth("", c.username, c.password, c.submissionHostname)
	} else if strings.Contains(auths, "CRAM-MD5") {
		c.auth = smtp.CRAMMD5Auth(c.username, c.password)
	} else {
		return c, fmt.Errorf("SMTP server doesn't support PLAIN or CRAM-MD5 authentication")
	}
	return c, nil
}

// LogOnlyConfig returns a Config that prints messages instead of sending
// them. Used for local development.
func LogOnlyConfig(website string, database BlacklistStore) Config {
	return Config{website: website, database: database}
}

// tokenLink builds a frontend link carrying email and token.
func tokenLink(website string, path string, email string, token string) string {
	query := url.Values{}
	query.Set("email", email)
	query.Set("token", token)
	return fmt.Sprintf("%s%s?%s", strings.TrimSuffix(website, "/"), path, query.Encode())
}

func verificationEmailText(email string, token string, website string) string {
	return fmt.Sprintf(verificationEmailTemplate,
		tokenLink(website, "/subscriptions/verify", email, token), website)
}

func managementEmailText(email string, token string, website string) string {
	return fmt.Sprintf(managementEmailTemplate,
		tokenLink(website, "/subscriptions/manage", email, token), website)
}

// Send delivers the message for kind to address. It implements
// models.Notifier synchronously; see Queue for the asynchronous version.
func (c Config) Send(ctx context.Context, address string, kind models.NotificationKind, token string) error {
	switch kind {
	case models.NotifyVerification:
		return c.sendEmail(verificationEmailSubject, verificationEmailText(address, token, c.website), address)
	case models.NotifyManagementLink:
		return c.sendEmail(managementEmailSubject, managementEmailText(address, token, c.website), address)
	}
	return fmt.Errorf("unknown notification kind %q", kind)
}

func (c Config) sendEmail(subject string, body string, address string) error {
	blacklisted, err := c.database.IsBlacklistedEmail(address)
	if err != nil {
		return err
	}
	if blacklisted {
		return errors.Wrapf(models.ErrUpstreamNotify, "address %s is blacklisted", address)
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		c.sender, address, subject, body)
	if c.submissionHostname == "" {
		log.Println("Warning: email host not configured, not sending email")
		log.Println(message)
		return nil
	}
	err = smtp.SendMail(fmt.Sprintf("%s:%s", c.submissionHostname, c.port),
		c.auth,
		c.sender, []string{address}, []byte(message))
	if err != nil {
		return errors.Wrapf(models.ErrUpstreamNotify, "sending to %s: %v", address, err)
	}
	return nil
}

// Recipients lists the email addresses that have triggered a bounce or complaint.
type Recipients []struct {
	EmailAddress string `json:"emailAddress"`
}

// BlacklistRequest represents a submission for a particular email address to be blacklisted.
type BlacklistRequest struct {
	Reason     string
	Timestamp  time.Time
	Recipients Recipients
	Raw        string
}

// UnmarshalJSON wrangles the JSON posted by AWS SNS into something easier to access
// and generalized across notification types.
func (r *BlacklistRequest) UnmarshalJSON(b []byte) error {
	// Message holds stringified JSON, so it is decoded in two steps.
	// See email_test.go for examples.
	var wrapper struct {
		Message   string
		Timestamp time.Time
	}
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return fmt.Errorf("failed to load notification wrapper: %v", err)
	}

	type Complaint struct {
		*Recipients `json:"complainedRecipients"`
	}

	type Bounce struct {
		*Recipients `json:"bouncedRecipients"`
	}

	// Only one of Complaint or Bounce carries data, so both point at the
	// same recipients list.
	var recipients Recipients
	msg := struct {
		NotificationType string `json:"notificationType"`
		Complaint        `json:"complaint"`
		Bounce           `json:"bounce"`
	}{
		Complaint: Complaint{Recipients: &recipients},
		Bounce:    Bounce{Recipients: &recipients},
	}

	if err := json.Unmarshal([]byte(wrapper.Message), &msg); err != nil {
		return fmt.Errorf("failed to load notification message: %v", err)
	}

	*r = BlacklistRequest{
		Raw:        wrapper.Message,
		Timestamp:  wrapper.Timestamp,
		Reason:     strings.ToLower(msg.NotificationType),
		Recipients: recipients,
	}
	return nil
}

// Blacklist stores every recipient of r.
func (r *BlacklistRequest) Blacklist(database BlacklistStore) error {
	timestamp := r.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	for _, recipient := range r.Recipients {
		if err := database.PutBlacklistedEmail(recipient.EmailAddress, r.Reason, timestamp); err != nil {
			return err
		}
	}
	return nil
}
