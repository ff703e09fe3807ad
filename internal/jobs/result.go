package jobs

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Dicklesworthstone/sasjs/internal/logs"
	"github.com/Dicklesworthstone/sasjs/internal/session"
)

// Result is a job response split into its output and its log.
type Result struct {
	// Output is the document the job wrote.
	Output []byte
	// Log is the execution log, present in debug mode.
	Log string
	// Work is the WORK library dump, present in debug mode.
	Work []byte
}

// projection names where a SASJS response keeps each part.
type projection struct {
	result string
	log    string
}

var sasjsProjection = projection{result: "result", log: "log"}

// projectResult splits body according to the server's debug response shape.
//
// Outside debug mode the body is the output. In debug mode SAS9 and SASJS
// embed the output between webout markers and the rest of the page is the
// log; SASVIYA puts the output behind an iframe that extractor fetches.
func projectResult(ctx context.Context, st session.ServerType, debug bool, body []byte, extractor logs.WorkExtractor) Result {
	if st == session.ServerSASjs && gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		if res := doc.Get(sasjsProjection.result); res.Exists() {
			out := Result{Output: rawOrString(res), Log: doc.Get(sasjsProjection.log).String()}
			if debug {
				if webout, err := extractor.Webout(ctx, out.Output); err == nil {
					out.Output = webout
					out.Work = logs.WorkOf(webout)
				}
			}
			return out
		}
	}

	if !debug {
		return Result{Output: body}
	}

	out := Result{Output: body, Log: string(body)}
	if doc, err := extractor.Webout(ctx, body); err == nil {
		out.Output = doc
		out.Work = logs.WorkOf(doc)
	}
	return out
}

// rawOrString returns string members unquoted and anything else as raw JSON.
func rawOrString(r gjson.Result) []byte {
	if r.Type == gjson.String {
		return []byte(strings.TrimSpace(r.String()))
	}
	return []byte(r.Raw)
}
