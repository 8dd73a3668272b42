// Package admin talks to the Janus REST API to manage videoroom rooms.
// The signaling client assumes its room exists; this is the surface that
// makes that true.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/internal/log"
	"github.com/meonardo/videoroom-rtc/internal/retry"
)

const (
	ErrFailedRequest       errors.Code = "failed_request"
	ErrNoneSuccessResponse errors.Code = "none_success_response"
	ErrInvalidPayload      errors.Code = "invalid_payload"
)

const (
	videoroomPlugin = "janus.plugin.videoroom"
	apiTimeout      = 10 * time.Second

	existsCacheSize = 128
)

var (
	client = resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(apiTimeout)
)

// Config locates the Janus REST endpoint.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	// AdminKey is sent on room create/destroy when the plugin is locked down
	AdminKey string `mapstructure:"admin_key"`
}

// Room is one videoroom as reported by the list request.
type Room struct {
	Room            int    `json:"room"`
	Description     string `json:"description"`
	NumParticipants int    `json:"num_participants"`
	MaxPublishers   int    `json:"max_publishers"`
}

// API manages videoroom rooms over the Janus REST transport.
type API interface {
	EnsureRoom(ctx context.Context, room int, description string) error
	CreateRoom(ctx context.Context, room int, description string) error
	DestroyRoom(ctx context.Context, room int) error
	RoomExists(ctx context.Context, room int) (bool, error)
	ListRooms(ctx context.Context) ([]Room, error)
}

// New creates a videoroom admin API backed by go-resty.
func New(config Config, logger *log.Logger) API {
	if logger == nil {
		panic("logger is required")
	}
	cache, err := lru.New[int, bool](existsCacheSize)
	if err != nil {
		panic(err)
	}
	logger = logger.Module("admin")
	return &apiImpl{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		adminKey: config.AdminKey,
		logger:   logger,
		retry:    retry.New(logger, 200*time.Millisecond, 2*time.Second, 10*time.Second),
		exists:   cache,
	}
}

type apiImpl struct {
	baseURL  string
	adminKey string
	logger   *log.Logger
	retry    retry.Retry
	exists   *lru.Cache[int, bool]
	group    singleflight.Group
}

// EnsureRoom creates the room when it does not exist yet. Results are
// cached and concurrent calls for the same room are collapsed to one
// round trip.
func (api *apiImpl) EnsureRoom(ctx context.Context, room int, description string) error {
	if ok, _ := api.exists.Get(room); ok {
		return nil
	}

	_, err, _ := api.group.Do(strconv.Itoa(room), func() (any, error) {
		err := api.retry.Do(ctx, func() error {
			exists, err := api.RoomExists(ctx, room)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			return api.CreateRoom(ctx, room, description)
		})
		if err != nil {
			return nil, err
		}
		api.exists.Add(room, true)
		return nil, nil
	})
	return err
}

func (api *apiImpl) CreateRoom(ctx context.Context, room int, description string) error {
	body := map[string]any{
		"request":     "create",
		"room":        room,
		"description": description,
		"publishers":  16,
	}
	if api.adminKey != "" {
		body["admin_key"] = api.adminKey
	}
	_, err := api.pluginRequest(ctx, body)
	return err
}

func (api *apiImpl) DestroyRoom(ctx context.Context, room int) error {
	body := map[string]any{
		"request": "destroy",
		"room":    room,
	}
	if api.adminKey != "" {
		body["admin_key"] = api.adminKey
	}
	if _, err := api.pluginRequest(ctx, body); err != nil {
		return err
	}
	api.exists.Remove(room)
	return nil
}

func (api *apiImpl) RoomExists(ctx context.Context, room int) (bool, error) {
	data, err := api.pluginRequest(ctx, map[string]any{
		"request": "exists",
		"room":    room,
	})
	if err != nil {
		return false, err
	}

	var payload struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false, errors.Wrap(ErrInvalidPayload, err, "unmarshal exists")
	}
	return payload.Exists, nil
}

func (api *apiImpl) ListRooms(ctx context.Context) ([]Room, error) {
	data, err := api.pluginRequest(ctx, map[string]any{
		"request": "list",
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []Room `json:"list"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err, "unmarshal list")
	}
	return payload.List, nil
}

// pluginRequest runs one synchronous videoroom plugin request on a
// throwaway session/handle pair and returns the plugindata payload.
func (api *apiImpl) pluginRequest(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	sessionID, err := api.createSession(ctx)
	if err != nil {
		return nil, err
	}
	defer api.destroySession(sessionID)

	handleID, err := api.attach(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"janus":      "message",
		"session_id": sessionID,
		"handle_id":  handleID,
		"body":       body,
	}
	path := fmt.Sprintf("/janus/%d/%d", sessionID, handleID)
	resp, err := api.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.Plugindata == nil {
		return nil, errors.New(ErrInvalidPayload, "response missing plugindata")
	}

	// plugin-level errors ride inside plugindata, not the janus envelope
	var pluginErr struct {
		ErrorCode int    `json:"error_code"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(resp.Plugindata.Data, &pluginErr); err == nil && pluginErr.ErrorCode != 0 {
		return nil, errors.Newf(ErrNoneSuccessResponse, "videoroom error %d: %s",
			pluginErr.ErrorCode, pluginErr.Error)
	}
	return resp.Plugindata.Data, nil
}

func (api *apiImpl) createSession(ctx context.Context) (int64, error) {
	resp, err := api.post(ctx, "/janus", map[string]any{"janus": "create"})
	if err != nil {
		return 0, err
	}
	if resp.Data == nil {
		return 0, errors.New(ErrInvalidPayload, "create session missing data")
	}
	return resp.Data.ID, nil
}

func (api *apiImpl) attach(ctx context.Context, sessionID int64) (int64, error) {
	payload := map[string]any{
		"janus":      "attach",
		"session_id": sessionID,
		"plugin":     videoroomPlugin,
	}
	resp, err := api.post(ctx, fmt.Sprintf("/janus/%d", sessionID), payload)
	if err != nil {
		return 0, err
	}
	if resp.Data == nil {
		return 0, errors.New(ErrInvalidPayload, "attach missing data")
	}
	return resp.Data.ID, nil
}

func (api *apiImpl) destroySession(sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	payload := map[string]any{
		"janus":      "destroy",
		"session_id": sessionID,
	}
	if _, err := api.post(ctx, fmt.Sprintf("/janus/%d", sessionID), payload); err != nil {
		api.logger.Warn("Destroy admin session failed", log.Error(err))
	}
}

type janusResponse struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	Data        *struct {
		ID int64 `json:"id"`
	} `json:"data"`
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
	Plugindata *struct {
		Plugin string          `json:"plugin"`
		Data   json.RawMessage `json:"data"`
	} `json:"plugindata"`
}

func (api *apiImpl) post(ctx context.Context, path string, payload map[string]any) (*janusResponse, error) {
	if _, ok := payload["transaction"]; !ok {
		payload["transaction"] = uuid.NewString()
	}
	api.logger.Debug("Admin request", log.String("path", path), log.Any("body", payload))

	requestsTotal.Add(ctx, 1)

	var respPayload janusResponse
	resp, err := client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&respPayload).
		Post(api.baseURL + path)
	if err != nil {
		requestsFailed.Add(context.Background(), 1)
		return nil, errors.Wrap(ErrFailedRequest, err, "post")
	}
	if resp.IsError() {
		requestsFailed.Add(context.Background(), 1)
		return nil, errors.Newf(ErrNoneSuccessResponse, "janus http error: (code: %d, resp %v)",
			resp.StatusCode(), resp.Error())
	}

	if respPayload.Janus == "error" {
		requestsFailed.Add(context.Background(), 1)
		reason := "unknown"
		if respPayload.Error != nil {
			reason = respPayload.Error.Reason
		}
		return nil, errors.Newf(ErrNoneSuccessResponse, "janus error: %s", reason)
	}
	api.logger.Debug("Admin response", log.Int("status", resp.StatusCode()))
	return &respPayload, nil
}
