// Package jobs builds job execution requests for each server variant and
// reads job state and logs from the job execution service.
package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/session"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

// Job endpoints per server variant.
const (
	SAS9ExecutePath  = "/SASStoredProcess/do"
	ViyaExecutePath  = "/SASJobExecution/"
	SASjsExecutePath = "/SASjsApi/stp/execute"
	ViyaJobsPath     = "/jobExecution/jobs"
)

// debugLevel is the _debug value that makes the server return its log.
const debugLevel = "131"

// tablesField lists the uploaded table names in multipart requests.
const tablesField = "sasjs_tables"

// Builder turns a job path and its input tables into a transport request.
type Builder struct {
	ServerType  session.ServerType
	AppLoc      string
	ContextName string
	Debug       bool
}

// Program returns the full program path: jobPath is joined to AppLoc unless
// it is already absolute.
func (b Builder) Program(jobPath string) (string, error) {
	jobPath = strings.TrimSpace(jobPath)
	if jobPath == "" {
		return "", apierr.Argument("job path is required")
	}
	if strings.HasPrefix(jobPath, "/") || b.AppLoc == "" {
		return jobPath, nil
	}
	return path.Join("/", b.AppLoc, jobPath), nil
}

// Execute builds the synchronous execution request for jobPath.
//
// Tables are uploaded as one multipart file per table on SAS9 and SASVIYA
// and as a JSON body on SASJS. A nil data sends no tables.
func (b Builder) Execute(jobPath string, data map[string]any, params url.Values) (transport.Request, error) {
	program, err := b.Program(jobPath)
	if err != nil {
		return transport.Request{}, err
	}

	query := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set("_program", program)
	if b.Debug {
		query.Set("_debug", debugLevel)
	}

	req := transport.Request{Method: http.MethodPost, Query: query, CSRF: session.KindGeneral}

	switch b.ServerType {
	case session.ServerSAS9:
		req.Path = SAS9ExecutePath
	case session.ServerViya:
		req.Path = ViyaExecutePath
		if b.ContextName != "" {
			query.Set("_contextName", b.ContextName)
		}
	case session.ServerSASjs:
		req.Path = SASjsExecutePath
		req.Bearer = true
		body, err := json.Marshal(struct {
			Data map[string]any `json:"_sasjs_tables,omitempty"`
		}{data})
		if err != nil {
			return transport.Request{}, apierr.Argument("encode job data: %v", err)
		}
		req.Body = body
		req.ContentType = "application/json"
		return req, nil
	default:
		return transport.Request{}, apierr.Argument("unknown server type %q", b.ServerType)
	}

	if len(data) > 0 {
		body, contentType, err := multipartTables(data)
		if err != nil {
			return transport.Request{}, err
		}
		req.Body = body
		req.ContentType = contentType
		req.CSRF = session.KindFile
	}
	return req, nil
}

// StartJob builds the asynchronous job submission for SASVIYA.
func (b Builder) StartJob(jobPath string, data map[string]any) (transport.Request, error) {
	if b.ServerType != session.ServerViya {
		return transport.Request{}, apierr.Argument("asynchronous jobs require a %s server", session.ServerViya)
	}
	program, err := b.Program(jobPath)
	if err != nil {
		return transport.Request{}, err
	}

	args := map[string]any{
		"_program":            program,
		"_OMITJSONLISTING":    true,
		"_OMITJSONLOG":        true,
		"_OMITSESSIONRESULTS": true,
	}
	if b.ContextName != "" {
		args["_contextName"] = b.ContextName
	}
	if b.Debug {
		args["_debug"] = debugLevel
	}
	if len(data) > 0 {
		tables, err := json.Marshal(data)
		if err != nil {
			return transport.Request{}, apierr.Argument("encode job data: %v", err)
		}
		args["_webin_tables"] = string(tables)
	}

	body, err := json.Marshal(map[string]any{
		"name":      path.Base(program),
		"arguments": args,
	})
	if err != nil {
		return transport.Request{}, fmt.Errorf("encode job submission: %w", err)
	}

	return transport.Request{
		Method:      http.MethodPost,
		Path:        ViyaJobsPath,
		Header:      http.Header{"Accept": []string{"application/json"}},
		Body:        body,
		ContentType: "application/json",
		CSRF:        session.KindGeneral,
	}, nil
}

func multipartTables(data map[string]any) ([]byte, string, error) {
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(tablesField, strings.Join(names, " ")); err != nil {
		return nil, "", fmt.Errorf("write tables field: %w", err)
	}
	for _, name := range names {
		part, err := w.CreateFormFile(name, name+".json")
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", name, err)
		}
		if err := json.NewEncoder(part).Encode(data[name]); err != nil {
			return nil, "", apierr.Argument("encode table %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
