// internal/service/template_service.go
package service

import (
	"net/url"
	"strings"
)

// Tokens understood by RenderTemplate. Any other {...} text is left as is.
var templateTokens = []string{
	"first_name",
	"last_name",
	"email",
	"unsubscribe_link",
	"recipient_name",
	"recipient_email",
}

// RenderTemplate replaces the known tokens with data; a token missing from
// data renders as the empty string.
func RenderTemplate(template string, data map[string]string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(templateTokens)*2)
	for _, k := range templateTokens {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Compose wraps body with the global header and footer. Empty parts add
// nothing, so an unconfigured header/footer leaves body unchanged.
func Compose(header, body, footer string) string {
	if header == "" && footer == "" {
		return body
	}
	var sb strings.Builder
	sb.Grow(len(header) + len(body) + len(footer))
	sb.WriteString(header)
	sb.WriteString(body)
	sb.WriteString(footer)
	return sb.String()
}

// UnsubscribeLink appends the subscriber token to the configured base URL.
// Without a base URL or a token there is no link.
func UnsubscribeLink(baseURL, token string) string {
	if baseURL == "" || token == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		sep := "?"
		if strings.Contains(baseURL, "?") {
			sep = "&"
		}
		return baseURL + sep + "token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// RecipientValues builds the token values for one recipient.
func RecipientValues(email, firstName, lastName, token, unsubscribeURL string) map[string]string {
	return map[string]string{
		"first_name":       firstName,
		"last_name":        lastName,
		"email":            email,
		"unsubscribe_link": UnsubscribeLink(unsubscribeURL, token),
		"recipient_name":   strings.TrimSpace(firstName + " " + lastName),
		"recipient_email":  email,
	}
}
