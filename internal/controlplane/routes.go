package controlplane

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// newRouter wires the control-plane URL contract. The manage/* verbs
// are gated on the listener's allow_control flag; status reads are
// always available.
func newRouter(ctrl Controller, allowControl bool) http.Handler {
	r := chi.NewRouter()

	r.Get("/status/version", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": ctrl.Version()})
	})

	r.Get("/status/tasks", func(w http.ResponseWriter, req *http.Request) {
		tasks := make(map[string]interface{})
		for _, st := range ctrl.TaskStatuses() {
			slots := make([]map[string]interface{}, 0, len(st.Slots))
			for _, sl := range st.Slots {
				slots = append(slots, map[string]interface{}{
					"instance": sl.Instance,
					"state":    string(sl.State),
					"pid":      sl.Pid,
				})
			}
			tasks[st.Name] = map[string]interface{}{
				"control": string(st.Control),
				"count":   st.Count,
				"slots":   slots,
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
	})

	r.Get("/status/config", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.ConfigStatus())
	})

	r.Route("/manage", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if !allowControl {
					writeError(w, http.StatusForbidden, "control not permitted on this listener")
					return
				}
				next.ServeHTTP(w, req)
			})
		})

		r.Get("/count", func(w http.ResponseWriter, req *http.Request) {
			task := req.FormValue("task")
			n, err := ctrl.TaskCount(task)
			if err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "count": n})
		})

		r.Post("/count", func(w http.ResponseWriter, req *http.Request) {
			task := req.FormValue("task")
			n, err := strconv.Atoi(req.FormValue("count"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "count must be an integer")
				return
			}
			if err := ctrl.SetTaskCount(task, n); err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "count": n})
		})

		r.Post("/control", func(w http.ResponseWriter, req *http.Request) {
			task := req.FormValue("task")
			control := req.FormValue("control")
			if err := ctrl.SetTaskControl(task, control); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "control": control})
		})

		r.Post("/reload", func(w http.ResponseWriter, req *http.Request) {
			ctrl.ScheduleReload()
			writeJSON(w, http.StatusOK, map[string]interface{}{"scheduled": "reload"})
		})

		r.Post("/reset", func(w http.ResponseWriter, req *http.Request) {
			ctrl.ScheduleReset()
			writeJSON(w, http.StatusOK, map[string]interface{}{"scheduled": "reset"})
		})

		r.Post("/stop", func(w http.ResponseWriter, req *http.Request) {
			ctrl.ScheduleStop()
			writeJSON(w, http.StatusOK, map[string]interface{}{"scheduled": "stop"})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]interface{}{"error": msg})
}
