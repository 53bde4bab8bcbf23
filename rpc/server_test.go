//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package rpc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesongbj/toda/domain"
	"github.com/xuesongbj/toda/hookfs"
)

func newTestServer(t *testing.T, faults domain.FaultInjectorIface) (*Server, *int) {

	teardowns := 0

	s := NewServer("127.0.0.1:0", Bridge{
		Status: func() Status {
			st := Status{State: "injected", Path: "/tmp/chaos-a"}
			if faults != nil {
				st.FaultsEnabled = faults.InjectionEnabled()
				counters := faults.Stats()
				st.Counters = &counters
			}
			return st
		},
		Teardown: func() { teardowns++ },
		Faults:   faults,
	})

	return s, &teardowns
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	return w
}

func TestStatusEndpoint(t *testing.T) {

	faults, err := hookfs.NewFaults(nil)
	require.NoError(t, err)

	s, _ := newTestServer(t, faults)

	w := do(t, s, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "injected", st.State)
	assert.Equal(t, "/tmp/chaos-a", st.Path)
	assert.False(t, st.FaultsEnabled)
	require.NotNil(t, st.Counters)
}

func TestFaultsToggle(t *testing.T) {

	faults, err := hookfs.NewFaults(nil)
	require.NoError(t, err)

	s, _ := newTestServer(t, faults)

	w := do(t, s, http.MethodPut, "/v1/faults", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, faults.InjectionEnabled())

	w = do(t, s, http.MethodPut, "/v1/faults", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, faults.InjectionEnabled())

	w = do(t, s, http.MethodPut, "/v1/faults", `{broken`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFaultsToggleWithoutInjection(t *testing.T) {

	// Inject failed: no hookfs handle. The toggle reports a conflict but
	// status still serves, so operators can read the failure.
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPut, "/v1/faults", `{"enabled": true}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfigUpdate(t *testing.T) {

	faults, err := hookfs.NewFaults(nil)
	require.NoError(t, err)

	s, _ := newTestServer(t, faults)

	w := do(t, s, http.MethodPut, "/v1/config",
		`[{"prefix": "data", "errno": 5, "methods": ["read"]}]`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPut, "/v1/config",
		`[{"prefix": "data", "percent": 500}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTeardown(t *testing.T) {

	faults, err := hookfs.NewFaults(nil)
	require.NoError(t, err)

	s, teardowns := newTestServer(t, faults)

	w := do(t, s, http.MethodPost, "/v1/teardown", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, *teardowns)
}

func TestMethodRouting(t *testing.T) {

	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
