package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/sasjs/internal/apierr"
	"github.com/Dicklesworthstone/sasjs/internal/logs"
	"github.com/Dicklesworthstone/sasjs/internal/poll"
	"github.com/Dicklesworthstone/sasjs/internal/session"
	"github.com/Dicklesworthstone/sasjs/internal/transport"
)

func newJobsClient(t *testing.T, srv *httptest.Server, st session.ServerType, b Builder) *Client {
	t.Helper()
	tc, err := transport.New(transport.Config{BaseURL: srv.URL, Session: session.New(st)})
	require.NoError(t, err)
	c, err := New(Config{Transport: tc, Builder: b})
	require.NoError(t, err)
	return c
}

func TestBuilder_ExecutePerVariant(t *testing.T) {
	tests := []struct {
		st       session.ServerType
		wantPath string
	}{
		{session.ServerSAS9, SAS9ExecutePath},
		{session.ServerViya, ViyaExecutePath},
		{session.ServerSASjs, SASjsExecutePath},
	}

	for _, tt := range tests {
		t.Run(string(tt.st), func(t *testing.T) {
			b := Builder{ServerType: tt.st, AppLoc: "/Public/app", ContextName: "SAS Job Execution compute context", Debug: true}
			req, err := b.Execute("services/common/appinit", nil, url.Values{"x": {"1"}})
			require.NoError(t, err)

			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, tt.wantPath, req.Path)
			assert.Equal(t, "/Public/app/services/common/appinit", req.Query.Get("_program"))
			assert.Equal(t, "131", req.Query.Get("_debug"))
			assert.Equal(t, "1", req.Query.Get("x"))
			assert.Equal(t, tt.st == session.ServerViya, req.Query.Has("_contextName"))
			assert.Equal(t, tt.st == session.ServerSASjs, req.Bearer)
		})
	}
}

func TestBuilder_ProgramPath(t *testing.T) {
	b := Builder{AppLoc: "/Public/app"}

	p, err := b.Program("/Absolute/job")
	require.NoError(t, err)
	assert.Equal(t, "/Absolute/job", p)

	p, err = b.Program("rel/job")
	require.NoError(t, err)
	assert.Equal(t, "/Public/app/rel/job", p)

	_, err = b.Program("  ")
	assert.ErrorIs(t, err, apierr.ErrArgument)
}

func TestBuilder_NoDebugFlagOutsideDebugMode(t *testing.T) {
	req, err := Builder{ServerType: session.ServerSAS9}.Execute("/a/b", nil, nil)
	require.NoError(t, err)
	assert.False(t, req.Query.Has("_debug"))
	assert.Nil(t, req.Body)
}

func TestBuilder_MultipartTablesUseFileToken(t *testing.T) {
	data := map[string]any{
		"fromjs": []map[string]any{{"name": "a"}},
		"areas":  []map[string]any{{"id": 1}},
	}
	req, err := Builder{ServerType: session.ServerSAS9}.Execute("/a/b", data, nil)
	require.NoError(t, err)
	assert.Equal(t, session.KindFile, req.CSRF)

	_, params, err := mime.ParseMediaType(req.ContentType)
	require.NoError(t, err)
	mr := multipart.NewReader(strings.NewReader(string(req.Body)), params["boundary"])

	var names []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, _ := io.ReadAll(part)
		if part.FormName() == tablesField {
			assert.Equal(t, "areas fromjs", string(body))
			continue
		}
		names = append(names, part.FormName())
		assert.True(t, json.Valid(body))
	}
	assert.Equal(t, []string{"areas", "fromjs"}, names)
}

func TestBuilder_SASjsSendsJSON(t *testing.T) {
	req, err := Builder{ServerType: session.ServerSASjs}.Execute("/a/b", map[string]any{"t": []int{1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", req.ContentType)
	assert.JSONEq(t, `{"_sasjs_tables":{"t":[1]}}`, string(req.Body))
}

func TestBuilder_StartJobViyaOnly(t *testing.T) {
	_, err := Builder{ServerType: session.ServerSAS9}.StartJob("/a/b", nil)
	assert.ErrorIs(t, err, apierr.ErrArgument)

	req, err := Builder{ServerType: session.ServerViya, ContextName: "ctx"}.StartJob("/Public/job", nil)
	require.NoError(t, err)
	assert.Equal(t, ViyaJobsPath, req.Path)

	var body struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "job", body.Name)
	assert.Equal(t, "/Public/job", body.Arguments["_program"])
	assert.Equal(t, "ctx", body.Arguments["_contextName"])
}

func TestTerminal(t *testing.T) {
	for _, s := range []string{"completed", "failed", "canceled", "cancelled", "error", " Completed\n"} {
		assert.True(t, Terminal(s), s)
	}
	for _, s := range []string{"pending", "running", ""} {
		assert.False(t, Terminal(s), s)
	}
}

func TestProjectResult(t *testing.T) {
	ctx := context.Background()
	noFetch := logs.WorkExtractor{}

	t.Run("plain output", func(t *testing.T) {
		res := projectResult(ctx, session.ServerSAS9, false, []byte(`{"a":1}`), noFetch)
		assert.Equal(t, `{"a":1}`, string(res.Output))
		assert.Empty(t, res.Log)
		assert.Nil(t, res.Work)
	})

	t.Run("sas9 debug page", func(t *testing.T) {
		body := []byte("<pre>1 data a; run;</pre>>>weboutBEGIN<<{\"a\":1,\"WORK\":{\"T\":[]}}>>weboutEND<<")
		ex := logs.WorkExtractor{ServerType: session.ServerSAS9}
		res := projectResult(ctx, session.ServerSAS9, true, body, ex)
		assert.JSONEq(t, `{"a":1,"WORK":{"T":[]}}`, string(res.Output))
		assert.Contains(t, res.Log, "1 data a; run;")
		assert.JSONEq(t, `{"T":[]}`, string(res.Work))
	})

	t.Run("sasjs projection", func(t *testing.T) {
		body := []byte(`{"status":"success","result":"{\"a\":2}","log":"1 x\nNOTE: y"}`)
		ex := logs.WorkExtractor{ServerType: session.ServerSASjs}
		res := projectResult(ctx, session.ServerSASjs, true, body, ex)
		assert.Equal(t, `{"a":2}`, string(res.Output))
		assert.Equal(t, "1 x\nNOTE: y", res.Log)
		assert.JSONEq(t, `{"a":2}`, string(res.Work))
	})
}

func TestExecute_ViyaDebugFetchesIframe(t *testing.T) {
	var fetched atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SASJobExecution/":
			if r.URL.Query().Get("_file") != "" {
				fetched.Add(1)
				fmt.Fprint(w, `{"rows":[1],"WORK":{"T":[]}}`)
				return
			}
			assert.Equal(t, "131", r.URL.Query().Get("_debug"))
			fmt.Fprint(w, `<html>1 data; <iframe style="width: 99%; height: 500px" src="/SASJobExecution/?_file=/x.json"></iframe></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	c := newJobsClient(t, srv, session.ServerViya, Builder{Debug: true})
	res, err := c.Execute(context.Background(), "/Public/job", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":[1],"WORK":{"T":[]}}`, string(res.Output))
	assert.JSONEq(t, `{"T":[]}`, string(res.Work))
	assert.Contains(t, res.Log, "1 data;")
	assert.Equal(t, int32(1), fetched.Load())
}

func TestExecute_NotFoundCarriesURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c := newJobsClient(t, srv, session.ServerSAS9, Builder{})
	_, err := c.Execute(context.Background(), "/missing", nil, nil)
	require.ErrorIs(t, err, apierr.ErrNotFound)
}

// viyaJobServer serves one job that completes after doneAfter state reads,
// with a log that grows by one line per read.
func viyaJobServer(t *testing.T, doneAfter int32) *httptest.Server {
	t.Helper()
	var reads atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/jobExecution/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"j1","state":"pending","links":[
			{"rel":"self","href":"/jobExecution/jobs/j1"},
			{"rel":"state","href":"/jobExecution/jobs/j1/state"},
			{"rel":"log","href":"/files/files/log1"}]}`)
	})
	mux.HandleFunc("/jobExecution/jobs/j1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"j1","state":"running","links":[{"rel":"state","href":"/jobExecution/jobs/j1/state"},{"rel":"log","href":"/files/files/log1"}]}`)
	})
	mux.HandleFunc("/jobExecution/jobs/j1/state", func(w http.ResponseWriter, r *http.Request) {
		if reads.Add(1) >= doneAfter {
			fmt.Fprint(w, "completed")
			return
		}
		fmt.Fprint(w, "running")
	})
	mux.HandleFunc("/files/files/log1/content", func(w http.ResponseWriter, r *http.Request) {
		n := int(reads.Load())
		items := make([]map[string]string, 0, n)
		for i := 1; i <= n; i++ {
			items = append(items, map[string]string{"line": fmt.Sprintf("%d data step %d;", i, i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"start": 0, "count": n, "items": items})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWait_PollsUntilTerminalAndStreamsLog(t *testing.T) {
	srv := viyaJobServer(t, 3)
	c := newJobsClient(t, srv, session.ServerViya, Builder{})
	ctx := context.Background()

	job, err := c.StartJob(ctx, "/Public/job", nil)
	require.NoError(t, err)
	assert.Equal(t, "/jobExecution/jobs/j1", job.URI())

	dir := t.TempDir()
	var states []string
	strategy := poll.Strategy{
		MaxPollCount: 1,
		PollInterval: time.Millisecond,
		SubsequentStrategies: []poll.Strategy{
			{MaxPollCount: 10, PollInterval: time.Millisecond, StreamLog: true, LogFolderPath: dir},
		},
	}
	state, outcome, err := c.Wait(ctx, job, strategy, WaitOptions{
		OnState: func(s string, _ poll.Attempt) { states = append(states, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, poll.Completed, outcome)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, []string{"running", "running", "completed"}, states)

	data, err := os.ReadFile(filepath.Join(dir, "j1.log"))
	require.NoError(t, err)
	assert.Equal(t, "1 data step 1;\n2 data step 2;\n3 data step 3;\n", string(data))
}

func TestWait_ExhaustedReportsLastState(t *testing.T) {
	srv := viyaJobServer(t, 100)
	c := newJobsClient(t, srv, session.ServerViya, Builder{})

	job, err := c.GetJob(context.Background(), "/jobExecution/jobs/j1")
	require.NoError(t, err)

	state, outcome, err := c.Wait(context.Background(), job, poll.Strategy{MaxPollCount: 2, PollInterval: time.Millisecond}, WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, poll.Exhausted, outcome)
	assert.Equal(t, StateRunning, state)
}

func TestLog_FollowsNextLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/log/content", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "2" {
			fmt.Fprint(w, `{"start":2,"count":3,"items":[{"line":"NOTE: end"}]}`)
			return
		}
		fmt.Fprint(w, `{"start":0,"count":3,"items":[{"line":"1 a;"},{"line":"2 b;"}],
			"links":[{"rel":"next","href":"/log/content?start=2"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newJobsClient(t, srv, session.ServerViya, Builder{})
	text, err := c.Log(context.Background(), &Job{ID: "j", Links: []Link{{Rel: "log", Href: "/log"}}})
	require.NoError(t, err)
	assert.Equal(t, "1 a;\n2 b;\nNOTE: end", text)

	_, err = c.Log(context.Background(), &Job{ID: "j"})
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}
