package logs

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Normalize turns a job log in either dialect into newline-separated text.
//
// Plain-text logs are returned unchanged. JSON log pages, as served by the
// job execution service ({"items":[{"line":"..."}]}), are flattened in item
// order. A JSON object with a string "log" member yields that member.
func Normalize(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return string(raw)
	}

	doc := gjson.Parse(trimmed)
	if items := doc.Get("items"); items.IsArray() {
		var b strings.Builder
		for i, item := range items.Array() {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(item.Get("line").String())
		}
		return b.String()
	}
	if log := doc.Get("log"); log.Type == gjson.String {
		return log.String()
	}
	return string(raw)
}

// PageInfo describes pagination of a JSON log page.
type PageInfo struct {
	Start int64
	Count int64
	Limit int64
	// Next is the href of the next page, if any.
	Next string
}

// LogPage reads the pagination fields of a JSON log page. ok is false for
// plain-text logs.
func LogPage(raw []byte) (PageInfo, bool) {
	if !gjson.ValidBytes(raw) {
		return PageInfo{}, false
	}
	doc := gjson.ParseBytes(raw)
	if !doc.Get("items").IsArray() {
		return PageInfo{}, false
	}

	info := PageInfo{
		Start: doc.Get("start").Int(),
		Count: doc.Get("count").Int(),
		Limit: doc.Get("limit").Int(),
	}
	doc.Get("links").ForEach(func(_, link gjson.Result) bool {
		if link.Get("rel").String() == "next" {
			info.Next = link.Get("href").String()
			return false
		}
		return true
	})
	return info, true
}
