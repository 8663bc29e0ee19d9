package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/id"
	"trace-correlator/internal/services/ingest"
)

type jobManager struct {
	mu   sync.Mutex
	jobs map[string]*ingestJob
}

func newJobManager() *jobManager {
	return &jobManager{jobs: make(map[string]*ingestJob)}
}

type ingestJob struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"` // running|success|partial|failed
	CreatedAt  int64  `json:"created_at"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	// Stage/Progress/Logs 给前端“控制台”用：每完成一类证据推进一格
	Stage    string       `json:"stage,omitempty"`
	Progress int          `json:"progress,omitempty"` // 0-100
	Logs     []jobLogLine `json:"logs,omitempty"`

	CaseID   string `json:"case_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`

	Result *ingest.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type jobLogLine struct {
	Time    int64  `json:"time"`
	Message string `json:"message"`
}

func (m *jobManager) put(job *ingestJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

// update 在锁内修改 job（后台 goroutine 与 HTTP 读取并发）。
func (m *jobManager) update(job *ingestJob, fn func(j *ingestJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(job)
}

func (j *ingestJob) logf(format string, args ...any) {
	j.Logs = append(j.Logs, jobLogLine{Time: time.Now().Unix(), Message: fmt.Sprintf(format, args...)})
}

func (j ingestJob) clone() ingestJob {
	// 深拷贝 slice，避免解锁后后台 goroutine append 导致 data race
	if len(j.Logs) > 0 {
		tmp := make([]jobLogLine, len(j.Logs))
		copy(tmp, j.Logs)
		j.Logs = tmp
	}
	return j
}

func (m *jobManager) getCopy(jobID string) (ingestJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil {
		return ingestJob{}, false
	}
	return j.clone(), true
}

func (m *jobManager) listCopies() []ingestJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ingestJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j != nil {
			out = append(out, j.clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt > out[b].CreatedAt })
	return out
}

type ingestRequest struct {
	Operator string   `json:"operator,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
}

// startIngest 为设备创建后台导入任务并立即返回任务快照。
func (s *Server) startIngest(w http.ResponseWriter, r *http.Request, dev *model.Device) {
	var req ingestRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body

	var kinds []model.EvidenceKind
	for _, k := range req.Kinds {
		kind, err := model.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		kinds = model.AllKinds()
	}

	// 每个任务启动时读取一次当前规则，导入过程内保持一致
	targets, err := s.loadTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().Unix()
	job := &ingestJob{
		JobID:     id.New("job"),
		Kind:      "ingest",
		Status:    "running",
		CreatedAt: now,
		StartedAt: now,
		Stage:     "extract",
		Progress:  1,
		CaseID:    dev.CaseID,
		DeviceID:  dev.ID,
	}
	job.logf("job created: %d kinds, targets %s", len(kinds), targets.Source)
	s.jobs.put(job)
	resp := job.clone()

	operator := s.operator(req.Operator)
	go func() {
		ctx := context.Background()
		done := 0
		res, err := ingest.Run(ctx, s.store, ingest.Options{
			DeviceID:    dev.ID,
			Kinds:       kinds,
			ExtractRoot: s.cfg.ExtractRoot,
			Targets:     targets,
			Operator:    operator,
			Logger:      s.log,
			OnStep: func(step ingest.StepResult) {
				s.jobs.update(job, func(j *ingestJob) {
					done++
					j.Stage = string(step.Kind)
					j.Progress = 5 + done*90/len(kinds)
					if step.OK() {
						j.logf("%s: %d records", step.Kind, step.Count)
					} else {
						j.logf("%s failed: %s", step.Kind, step.Error)
					}
				})
			},
		})
		// 证据已变化，下一次查询重新关联
		s.sessions.Invalidate(dev.CaseID)

		s.jobs.update(job, func(j *ingestJob) {
			j.Stage = "finished"
			j.Progress = 100
			j.FinishedAt = time.Now().Unix()
			if err != nil {
				j.Status = "failed"
				j.Error = err.Error()
				j.logf("job failed: %v", err)
				return
			}
			j.Result = res
			j.Status = "success"
			if len(res.Warnings) > 0 {
				j.Status = "partial"
			}
			j.logf("job %s", j.Status)
		})
	}()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if rest == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": s.jobs.listCopies(),
		})
		return
	}

	job, ok := s.jobs.getCopy(rest)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", rest))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
