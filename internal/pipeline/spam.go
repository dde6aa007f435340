package pipeline

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"calendar-ingest-worker/internal/model"
)

// SpamResult is the outcome of the spam screen
type SpamResult struct {
	Flagged bool     `json:"flagged"`
	Reasons []string `json:"reasons"`
	Penalty float64  `json:"penalty"`
}

// SpamOptions configures a SpamFilter
type SpamOptions struct {
	Keywords          []string
	SuspiciousPattern string
	BlockedHosts      []string
	Penalty           float64
}

// SpamFilter screens candidates by keyword, suspicious phrase and URL host
type SpamFilter struct {
	keywords     []string
	phrases      []string
	suspicious   *regexp.Regexp
	blockedHosts []string
	penalty      float64
}

func NewSpamFilter(opts SpamOptions) (*SpamFilter, error) {
	f := &SpamFilter{penalty: opts.Penalty}
	if opts.SuspiciousPattern != "" {
		re, err := regexp.Compile(opts.SuspiciousPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid suspicious pattern: %w", err)
		}
		f.suspicious = re
	}
	for _, kw := range opts.Keywords {
		f.addKeyword(kw)
	}
	for _, host := range opts.BlockedHosts {
		f.addHost(host)
	}
	return f, nil
}

// AddRules merges stored filter rules into the configured lists
func (f *SpamFilter) AddRules(rules []model.FilterRule) {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		switch rule.Kind {
		case model.FilterKeyword:
			f.addKeyword(rule.Pattern)
		case model.FilterPhrase:
			if p := strings.ToLower(strings.TrimSpace(rule.Pattern)); p != "" {
				f.phrases = append(f.phrases, p)
			}
		case model.FilterBlockedHost:
			f.addHost(rule.Pattern)
		}
	}
}

func (f *SpamFilter) addKeyword(kw string) {
	if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
		f.keywords = append(f.keywords, kw)
	}
}

func (f *SpamFilter) addHost(host string) {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "*.")
	if host = strings.Trim(host, "."); host != "" {
		f.blockedHosts = append(f.blockedHosts, host)
	}
}

// Check screens one candidate
func (f *SpamFilter) Check(c *model.EventCandidate) SpamResult {
	result := SpamResult{Reasons: []string{}}
	title := strings.ToLower(c.Title)
	description := strings.ToLower(c.Description)

	for _, kw := range f.keywords {
		if strings.Contains(title, kw) || strings.Contains(description, kw) {
			result.Reasons = append(result.Reasons, "keyword:"+kw)
		}
	}
	if f.suspicious != nil {
		if match := f.suspicious.FindString(c.Description); match != "" {
			result.Reasons = append(result.Reasons, "suspicious_phrase:"+strings.ToLower(match))
		}
	}
	for _, phrase := range f.phrases {
		if strings.Contains(description, phrase) {
			result.Reasons = append(result.Reasons, "suspicious_phrase:"+phrase)
		}
	}
	for _, raw := range []string{c.URL, c.MetadataString("source_url")} {
		if host := hostOf(raw); host != "" {
			if blocked := f.blockedHost(host); blocked != "" {
				result.Reasons = append(result.Reasons, "blocked_host:"+blocked)
				break
			}
		}
	}

	if len(result.Reasons) > 0 {
		result.Flagged = true
		result.Penalty = f.penalty
	}
	return result
}

func (f *SpamFilter) blockedHost(host string) string {
	for _, blocked := range f.blockedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return blocked
		}
	}
	return ""
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Host == "" && !strings.Contains(raw, "://") {
		if u, err = url.Parse("http://" + raw); err != nil {
			return ""
		}
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}
