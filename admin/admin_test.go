package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/internal/log"
)

// fakeJanus is a minimal Janus REST endpoint speaking just enough of the
// protocol for the admin surface.
type fakeJanus struct {
	mtx           sync.Mutex
	rooms         map[int]string
	createCalls   int
	existsCalls   int
	nextID        int64
	failNextHTTP  bool
	pluginFailure string
}

func newFakeJanus() *fakeJanus {
	return &fakeJanus{rooms: map[int]string{}, nextID: 1000}
}

func (f *fakeJanus) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mtx.Lock()
		defer f.mtx.Unlock()

		if f.failNextHTTP {
			f.failNextHTTP = false
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}

		var req struct {
			Janus       string         `json:"janus"`
			Transaction string         `json:"transaction"`
			Body        map[string]any `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]any{"janus": "success", "transaction": req.Transaction}
		switch req.Janus {
		case "create", "attach":
			f.nextID++
			resp["data"] = map[string]any{"id": f.nextID}
		case "destroy":
		case "message":
			resp["plugindata"] = map[string]any{
				"plugin": "janus.plugin.videoroom",
				"data":   f.pluginData(req.Body),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func (f *fakeJanus) pluginData(body map[string]any) map[string]any {
	if f.pluginFailure != "" {
		reason := f.pluginFailure
		f.pluginFailure = ""
		return map[string]any{"error_code": 499, "error": reason}
	}

	room := 0
	if v, ok := body["room"].(float64); ok {
		room = int(v)
	}

	switch body["request"] {
	case "exists":
		f.existsCalls++
		_, exists := f.rooms[room]
		return map[string]any{"videoroom": "success", "room": room, "exists": exists}
	case "create":
		f.createCalls++
		desc, _ := body["description"].(string)
		f.rooms[room] = desc
		return map[string]any{"videoroom": "created", "room": room}
	case "destroy":
		delete(f.rooms, room)
		return map[string]any{"videoroom": "destroyed", "room": room}
	case "list":
		var list []map[string]any
		for number, desc := range f.rooms {
			list = append(list, map[string]any{"room": number, "description": desc})
		}
		return map[string]any{"videoroom": "success", "list": list}
	}
	return map[string]any{"videoroom": "event"}
}

type AdminTestSuite struct {
	suite.Suite

	janus  *fakeJanus
	server *httptest.Server
	api    API
}

func TestAdminTestSuite(t *testing.T) {
	suite.Run(t, new(AdminTestSuite))
}

func (s *AdminTestSuite) SetupTest() {
	s.janus = newFakeJanus()
	s.server = httptest.NewServer(s.janus.handler())
	s.api = New(Config{BaseURL: s.server.URL, AdminKey: "sup3r"}, log.NewNop())
}

func (s *AdminTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *AdminTestSuite) TestRoomExists() {
	exists, err := s.api.RoomExists(context.Background(), 1234)
	s.Require().NoError(err)
	s.False(exists)

	s.Require().NoError(s.api.CreateRoom(context.Background(), 1234, "demo"))

	exists, err = s.api.RoomExists(context.Background(), 1234)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *AdminTestSuite) TestEnsureRoomCreatesOnce() {
	s.Require().NoError(s.api.EnsureRoom(context.Background(), 1234, "demo"))
	s.Require().NoError(s.api.EnsureRoom(context.Background(), 1234, "demo"))

	s.Equal(1, s.janus.createCalls)
	// second call was answered from the cache
	s.Equal(1, s.janus.existsCalls)
}

func (s *AdminTestSuite) TestEnsureRoomSkipsExisting() {
	s.Require().NoError(s.api.CreateRoom(context.Background(), 1234, "demo"))
	s.Require().NoError(s.api.EnsureRoom(context.Background(), 1234, "demo"))
	s.Equal(1, s.janus.createCalls)
}

func (s *AdminTestSuite) TestEnsureRoomRetriesTransientFailure() {
	s.janus.failNextHTTP = true
	s.Require().NoError(s.api.EnsureRoom(context.Background(), 1234, "demo"))
	s.Equal(1, s.janus.createCalls)
}

func (s *AdminTestSuite) TestDestroyRoomInvalidatesCache() {
	s.Require().NoError(s.api.EnsureRoom(context.Background(), 1234, "demo"))
	s.Require().NoError(s.api.DestroyRoom(context.Background(), 1234))

	// cache no longer claims existence, a fresh ensure re-creates
	s.Require().NoError(s.api.EnsureRoom(context.Background(), 1234, "demo"))
	s.Equal(2, s.janus.createCalls)
}

func (s *AdminTestSuite) TestListRooms() {
	s.Require().NoError(s.api.CreateRoom(context.Background(), 1234, "demo"))
	s.Require().NoError(s.api.CreateRoom(context.Background(), 5678, "other"))

	rooms, err := s.api.ListRooms(context.Background())
	s.Require().NoError(err)
	s.Len(rooms, 2)
}

func (s *AdminTestSuite) TestPluginErrorSurfaced() {
	s.janus.pluginFailure = "room already exists"
	err := s.api.CreateRoom(context.Background(), 1234, "demo")
	s.Require().Error(err)
	s.True(errors.Is(err, ErrNoneSuccessResponse))
}
