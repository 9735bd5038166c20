package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"scripthost/internal/fault"
	"scripthost/internal/host"
	"scripthost/internal/scheduler"
	"scripthost/internal/script"
	"scripthost/internal/store"
)

// maxBody bounds every JSON request body.
const maxBody = 1 << 20

type scriptView struct {
	script.Info
	Resources map[string]int `json:"resources"`
}

type actionResponse struct {
	Script  string        `json:"script"`
	Result  script.Result `json:"result"`
	Message string        `json:"message"`
}

// resultStatus maps a lifecycle result to an HTTP status.
func resultStatus(r script.Result) int {
	switch r {
	case script.ResultSuccess:
		return http.StatusOK
	case script.ResultNotFound:
		return http.StatusNotFound
	case script.ResultAlreadyRunning, script.ResultNotLoaded:
		return http.StatusConflict
	case script.ResultDisabled, script.ResultMissingDependency:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	infos := s.mgr.Scripts()
	out := make([]scriptView, 0, len(infos))
	for _, info := range infos {
		out = append(out, scriptView{Info: info, Resources: s.mgr.Resources(info.Name)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sc, ok := s.mgr.Script(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, scriptView{Info: sc.Info(), Resources: s.mgr.Resources(name)})
}

func (s *Server) handleAPIScriptAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var res script.Result
	switch r.PathValue("action") {
	case "load":
		res = s.mgr.Load(r.Context(), name)
	case "unload":
		res = s.mgr.Unload(r.Context(), name)
	case "reload":
		res = s.mgr.Reload(r.Context(), name)
	default:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}
	s.logger.Info("script action", "script", name, "action", r.PathValue("action"), "result", res.String())
	s.writeJSON(w, resultStatus(res), actionResponse{Script: name, Result: res, Message: res.Message(name)})
}

func (s *Server) handleAPIScriptHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.History(r.PathValue("name"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no history"})
		return
	case errors.Is(err, fault.ErrHostAPIUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("read run history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPIListHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.mgr.Histories()
	switch {
	case errors.Is(err, fault.ErrHostAPIUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("list run history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if recs == nil {
		recs = []*store.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAPILoadAll(w http.ResponseWriter, r *http.Request) {
	reports, err := s.mgr.LoadAll(r.Context())
	if err != nil {
		s.logger.Error("load all scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]actionResponse, 0, len(reports))
	for _, rep := range reports {
		out = append(out, actionResponse{Script: rep.Script, Result: rep.Result, Message: rep.Result.Message(rep.Script)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIListCommands(w http.ResponseWriter, r *http.Request) {
	cmds := s.mgr.Commands().Commands()
	if cmds == nil {
		cmds = []host.CommandInfo{}
	}
	s.writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleAPIHelp(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.Commands().Help())
}

// apiSender runs commands on behalf of an API client and collects output.
type apiSender struct {
	name     string
	mu       sync.Mutex
	messages []string
}

func (a *apiSender) Name() string { return a.name }

func (a *apiSender) SendMessage(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

// HasPermission grants everything; the API key already gates access.
func (a *apiSender) HasPermission(string) bool { return true }

func (a *apiSender) output() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.messages == nil {
		return []string{}
	}
	return append([]string(nil), a.messages...)
}

type commandRequest struct {
	Line   string `json:"line"`
	Sender string `json:"sender"`
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, *apiSender, bool) {
	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, nil, false
	}
	req.Line = strings.TrimPrefix(strings.TrimSpace(req.Line), "/")
	if req.Sender == "" {
		req.Sender = "api"
	}
	return req, &apiSender{name: req.Sender}, true
}

func (s *Server) handleAPIExecute(w http.ResponseWriter, r *http.Request) {
	req, sender, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	if req.Line == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "line is required"})
		return
	}
	err := s.mgr.Execute(r.Context(), sender, req.Line)
	switch {
	case errors.Is(err, host.ErrUnknownCommand):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("execute command", "line", req.Line, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"output": sender.output()})
}

func (s *Server) handleAPIComplete(w http.ResponseWriter, r *http.Request) {
	req, sender, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	completions, err := s.mgr.Complete(r.Context(), sender, req.Line)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if completions == nil {
		completions = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"completions": completions})
}

func (s *Server) handleAPIEmitEvent(w http.ResponseWriter, r *http.Request) {
	var req host.Event
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	cancelled, err := s.mgr.Emit(r.Context(), &req)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleAPIExpand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		Text    string `json:"text"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	text, err := s.mgr.Expand(r.Context(), req.Subject, req.Text)
	switch {
	case errors.Is(err, fault.ErrHostAPIUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleAPIListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.mgr.Scheduler().All()
	owner := r.URL.Query().Get("owner")
	out := make([]scheduler.Info, 0, len(tasks))
	for _, t := range tasks {
		if owner != "" && t.Owner != owner {
			continue
		}
		out = append(out, t.Info())
	}
	s.writeJSON(w, http.StatusOK, out)
}

type processStatus struct {
	RSS        uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

type statusResponse struct {
	Version    string         `json:"version"`
	Uptime     string         `json:"uptime"`
	Scripts    int            `json:"scripts"`
	Running    int            `json:"running"`
	Tasks      int            `json:"tasks"`
	WSClients  int            `json:"ws_clients"`
	Goroutines int            `json:"goroutines"`
	Process    *processStatus `json:"process,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	infos := s.mgr.Scripts()
	running := 0
	for _, info := range infos {
		if info.State == script.StateRunning {
			running++
		}
	}
	resp := statusResponse{
		Version:    s.version,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Scripts:    len(infos),
		Running:    running,
		Tasks:      len(s.mgr.Scheduler().All()),
		WSClients:  s.wsHub.Clients(),
		Goroutines: runtime.NumGoroutine(),
	}
	if ps, err := s.processStatus(); err != nil {
		s.logger.Debug("process stats", "err", err)
	} else {
		resp.Process = ps
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) processStatus() (*processStatus, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, err
	}
	ps := &processStatus{RSS: mem.RSS}
	if cpu, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		ps.Threads = n
	}
	return ps, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
