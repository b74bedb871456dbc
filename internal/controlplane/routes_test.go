package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfullfo/legion/internal/supervisor"
)

type fakeController struct {
	counts   map[string]int
	controls map[string]string
	reloads  int
	resets   int
	stops    int
}

func newFakeController() *fakeController {
	return &fakeController{
		counts:   map[string]int{"sshd": 1},
		controls: map[string]string{"sshd": "wait"},
	}
}

func (f *fakeController) Version() string { return "test-version" }

func (f *fakeController) TaskStatuses() []supervisor.Status {
	return []supervisor.Status{
		{
			Name:    "sshd",
			Control: "wait",
			Count:   1,
			Slots:   []supervisor.SlotStatus{{Instance: 0, State: supervisor.StateRunning, Pid: 4242}},
		},
	}
}

func (f *fakeController) ConfigStatus() ConfigStatus {
	return ConfigStatus{GenerationID: "gen-1", ConfigFile: "/etc/legion.conf", Tasks: []string{"sshd"}}
}

func (f *fakeController) TaskCount(task string) (int, error) {
	n, ok := f.counts[task]
	if !ok {
		return 0, errUnknownTask
	}
	return n, nil
}

func (f *fakeController) SetTaskCount(task string, count int) error {
	if _, ok := f.counts[task]; !ok {
		return errUnknownTask
	}
	f.counts[task] = count
	return nil
}

func (f *fakeController) SetTaskControl(task, control string) error {
	if _, ok := f.controls[task]; !ok {
		return errUnknownTask
	}
	f.controls[task] = control
	return nil
}

func (f *fakeController) ScheduleReload() { f.reloads++ }
func (f *fakeController) ScheduleReset()  { f.resets++ }
func (f *fakeController) ScheduleStop()   { f.stops++ }

var errUnknownTask = &taskError{"unknown task"}

type taskError struct{ msg string }

func (e *taskError) Error() string { return e.msg }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec, decodeBody(t, rec)
}

func post(t *testing.T, h http.Handler, path string, form url.Values) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, decodeBody(t, rec)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return body
}

func TestStatusVersion(t *testing.T) {
	h := newRouter(newFakeController(), false)
	rec, body := get(t, h, "/status/version")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test-version", body["version"])
}

func TestStatusTasks(t *testing.T) {
	h := newRouter(newFakeController(), false)
	rec, body := get(t, h, "/status/tasks")
	require.Equal(t, http.StatusOK, rec.Code)

	tasks := body["tasks"].(map[string]interface{})
	sshd := tasks["sshd"].(map[string]interface{})
	assert.Equal(t, "wait", sshd["control"])
	assert.Equal(t, float64(1), sshd["count"])
	slots := sshd["slots"].([]interface{})
	require.Len(t, slots, 1)
	assert.Equal(t, float64(4242), slots[0].(map[string]interface{})["pid"])
}

func TestStatusConfig(t *testing.T) {
	h := newRouter(newFakeController(), false)
	rec, body := get(t, h, "/status/config")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gen-1", body["generation_id"])
}

func TestManageForbiddenWithoutAllowControl(t *testing.T) {
	ctrl := newFakeController()
	h := newRouter(ctrl, false)

	rec, _ := post(t, h, "/manage/reload", url.Values{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, ctrl.reloads)

	rec, _ = get(t, h, "/manage/count?task=sshd")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestManageCountRoundTrip(t *testing.T) {
	ctrl := newFakeController()
	h := newRouter(ctrl, true)

	rec, body := get(t, h, "/manage/count?task=sshd")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = post(t, h, "/manage/count", url.Values{"task": {"sshd"}, "count": {"4"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, ctrl.counts["sshd"])

	rec, _ = post(t, h, "/manage/count", url.Values{"task": {"sshd"}, "count": {"many"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, h, "/manage/count?task=ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManageControl(t *testing.T) {
	ctrl := newFakeController()
	h := newRouter(ctrl, true)

	rec, _ := post(t, h, "/manage/control", url.Values{"task": {"sshd"}, "control": {"once"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "once", ctrl.controls["sshd"])
}

func TestManageLifecycleVerbsAreDeferred(t *testing.T) {
	ctrl := newFakeController()
	h := newRouter(ctrl, true)

	for _, path := range []string{"/manage/reload", "/manage/reset", "/manage/stop"} {
		rec, _ := post(t, h, path, url.Values{})
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, 1, ctrl.reloads)
	assert.Equal(t, 1, ctrl.resets)
	assert.Equal(t, 1, ctrl.stops)
}
