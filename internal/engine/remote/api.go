package remote

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
)

const (
	defaultMaxEvents = 10
	// the engine may hold an events request open this long before answering
	// with an empty list
	eventsPollTimeout = time.Minute
)

// api talks to one engine worker's control endpoint. Long polls for events
// go through their own client so they are not cut off by the short request
// timeout.
type api struct {
	baseURL string
	client  *resty.Client
	poll    *resty.Client
	logger  *log.Logger
}

func newAPI(baseURL string, timeout time.Duration, logger *log.Logger) *api {
	return &api{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: resty.New().
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		poll:   resty.New().SetTimeout(eventsPollTimeout),
		logger: logger,
	}
}

func (a *api) post(ctx context.Context, path string, body, result any) error {
	a.logger.Debug("engine req", log.String("path", path))

	req := a.client.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(a.baseURL + path)
	if err != nil {
		return engineError(ErrFailedRequest, err, path)
	}
	if resp.IsError() {
		return engineError(ErrNoneSuccessResponse,
			errors.Newf(ErrNoneSuccessResponse, "engine http error: (code: %d, resp %s)", resp.StatusCode(), resp.String()),
			path)
	}
	return nil
}

func (a *api) get(ctx context.Context, path string, query map[string]string, result any) error {
	return a.getWith(ctx, a.client, path, query, result)
}

func (a *api) getWith(ctx context.Context, client *resty.Client, path string, query map[string]string, result any) error {
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(result).
		Get(a.baseURL + path)
	if err != nil {
		return engineError(ErrFailedRequest, err, path)
	}
	if resp.IsError() {
		return engineError(ErrNoneSuccessResponse,
			errors.Newf(ErrNoneSuccessResponse, "engine http error: (code: %d, resp %s)", resp.StatusCode(), resp.String()),
			path)
	}
	return nil
}

func (a *api) delete(ctx context.Context, path string) error {
	resp, err := a.client.R().SetContext(ctx).Delete(a.baseURL + path)
	if err != nil {
		return engineError(ErrFailedRequest, err, path)
	}
	// already gone on the engine side
	if resp.IsError() && resp.StatusCode() != 404 {
		return engineError(ErrNoneSuccessResponse,
			errors.Newf(ErrNoneSuccessResponse, "engine http error: (code: %d)", resp.StatusCode()),
			path)
	}
	return nil
}

func (a *api) health(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return a.get(ctx, "/health", nil, &out)
}

// event is one entry of the engine's long-poll event queue.
type event struct {
	Type       string `json:"type"`
	RouterID   string `json:"routerId,omitempty"`
	ObserverID string `json:"observerId,omitempty"`
	ProducerID string `json:"producerId,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	eventNewRouter       = "newrouter"
	eventRouterClose     = "routerclose"
	eventDominantSpeaker = "dominantspeaker"
	eventDied            = "died"
)

func (a *api) getEvents(ctx context.Context, maxEvents int) ([]event, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	var payload []event
	err := a.getWith(ctx, a.poll, "/events", map[string]string{"maxev": strconv.Itoa(maxEvents)}, &payload)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

type idResp struct {
	ID string `json:"id"`
}
