package extractor

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"calendar-ingest-worker/internal/model"
)

var (
	dateRe      = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})(?:,?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm))?`)
	urlRe       = regexp.MustCompile(`https?://[^\s<>"',]+`)
	locationRe  = regexp.MustCompile(`(?im)^\s*location:\s*(.+)$`)
	organizerRe = regexp.MustCompile(`(?im)^\s*organi[sz]er:\s*(.+)$`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// Fake is a deterministic extractor. It recognizes "<title> on <Mon D, YYYY>
// [h[:mm]am|pm]" and picks up the first URL plus "Location:" and
// "Organizer:" lines. The subject is the title when the text has none.
// Times are UTC.
type Fake struct{}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Extract(ctx context.Context, in Input) (*model.EventCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(in.Text)
	loc := dateRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, ErrNotEvent
	}
	m := dateRe.FindStringSubmatch(text)

	title := strings.TrimSpace(text[:loc[0]])
	if i := strings.LastIndex(title, "\n"); i >= 0 {
		title = strings.TrimSpace(title[i+1:])
	}
	title = strings.TrimRight(title, " ,:-")
	title = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(title, " on"), " at"))
	if title == "" {
		title = strings.TrimSpace(in.Subject)
	}
	if title == "" {
		return nil, ErrNotEvent
	}

	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	start := time.Date(year, months[strings.ToLower(m[1][:3])], day, 0, 0, 0, 0, time.UTC)
	if start.Day() != day {
		return nil, ErrNotEvent
	}

	candidate := &model.EventCandidate{
		Title:       title,
		Description: spaceRe.ReplaceAllString(text, " "),
		Publish:     true,
		Metadata:    make(map[string]interface{}),
	}

	if m[4] != "" {
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		if hour < 1 || hour > 12 || minute > 59 {
			return nil, ErrNotEvent
		}
		if strings.EqualFold(m[6], "pm") && hour != 12 {
			hour += 12
		} else if strings.EqualFold(m[6], "am") && hour == 12 {
			hour = 0
		}
		start = start.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
		end := start.Add(time.Hour)
		candidate.End = &end
	} else {
		candidate.AllDay = true
	}
	candidate.Start = start

	if u := urlRe.FindString(text); u != "" {
		u = strings.TrimRight(u, ".)")
		candidate.URL = u
		candidate.Metadata["source_url"] = u
	}
	if lm := locationRe.FindStringSubmatch(text); lm != nil {
		candidate.Location = strings.TrimSpace(lm[1])
	}
	if om := organizerRe.FindStringSubmatch(text); om != nil {
		candidate.Metadata["organizer"] = strings.TrimSpace(om[1])
	}

	return candidate, nil
}
