package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/avoronov/syncboard/internal/domain"
)

// restStore talks to a PostgREST-style row gateway, the same surface the
// hosted backend exposes. Filters are query-string operators
// (id=eq.N, black_player=is.null); conditional updates are expressed by
// widening the filter and checking whether any row came back.
type restStore struct {
	baseURL string
	apiKey  string
	http    *fasthttp.Client
	timeout time.Duration
}

// NewREST returns a Store over the REST gateway at baseURL.
func NewREST(baseURL, apiKey string) (Store, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("REST_BASE_URL is required")
	}
	return &restStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		timeout: 10 * time.Second,
	}, nil
}

func (s *restStore) Canvas() CanvasRepo  { return (*restCanvas)(s) }
func (s *restStore) Players() PlayerRepo { return (*restPlayers)(s) }
func (s *restStore) Games() GameRepo     { return (*restGames)(s) }
func (s *restStore) Moves() MoveRepo     { return (*restMoves)(s) }
func (s *restStore) Close() error        { return nil }

func (s *restStore) Ping(ctx context.Context) error {
	var rows []domain.CanvasState
	return s.do(ctx, fasthttp.MethodGet, domain.TableCanvasState+"?limit=1", nil, nil, &rows)
}

// do performs one gateway request. extraHeaders may carry Prefer values;
// out, when non-nil, receives the decoded JSON body.
func (s *restStore) do(ctx context.Context, method, pathAndQuery string, extraHeaders map[string]string, in any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(s.baseURL + "/" + pathAndQuery)
	req.Header.SetContentType("application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	deadline := time.Now().Add(s.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return fmt.Errorf("gateway error: status=%d body=%s", status, truncateBody(resp.Body(), 512))
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

// selectOne fetches a single row by filter, mapping "no rows" to
// ErrNotFound.
func selectOne[T any](ctx context.Context, s *restStore, table, filter string) (*T, error) {
	var rows []T
	if err := s.do(ctx, fasthttp.MethodGet, table+"?"+filter, nil, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// patchReturning applies a PATCH under a filter and returns the affected
// rows, the CAS verdict being len(rows) > 0.
func patchReturning[T any](ctx context.Context, s *restStore, table, filter string, patch any) ([]T, error) {
	headers := map[string]string{"Prefer": "return=representation"}
	var rows []T
	if err := s.do(ctx, fasthttp.MethodPatch, table+"?"+filter, headers, patch, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type restCanvas restStore

func (c *restCanvas) Load(ctx context.Context, id int64) (*domain.CanvasState, error) {
	return selectOne[domain.CanvasState](ctx, (*restStore)(c), domain.TableCanvasState, "id=eq."+strconv.FormatInt(id, 10))
}

func (c *restCanvas) Upsert(ctx context.Context, state *domain.CanvasState) error {
	headers := map[string]string{"Prefer": "resolution=merge-duplicates"}
	return (*restStore)(c).do(ctx, fasthttp.MethodPost, domain.TableCanvasState+"?on_conflict=id", headers, state, nil)
}

type restPlayers restStore

func (p *restPlayers) Get(ctx context.Context, id string) (*domain.Player, error) {
	return selectOne[domain.Player](ctx, (*restStore)(p), domain.TablePlayers, "id=eq."+url.QueryEscape(id))
}

func (p *restPlayers) Insert(ctx context.Context, pl *domain.Player) error {
	headers := map[string]string{"Prefer": "resolution=ignore-duplicates"}
	return (*restStore)(p).do(ctx, fasthttp.MethodPost, domain.TablePlayers+"?on_conflict=id", headers, pl, nil)
}

func (p *restPlayers) Rename(ctx context.Context, id, username string) error {
	rows, err := patchReturning[domain.Player](ctx, (*restStore)(p), domain.TablePlayers,
		"id=eq."+url.QueryEscape(id), map[string]string{"username": username})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

type restGames restStore

func (g *restGames) Insert(ctx context.Context, game *domain.Game) error {
	return (*restStore)(g).do(ctx, fasthttp.MethodPost, domain.TableGames, nil, game, nil)
}

func (g *restGames) Get(ctx context.Context, id string) (*domain.Game, error) {
	return selectOne[domain.Game](ctx, (*restStore)(g), domain.TableGames, "id=eq."+url.QueryEscape(id))
}

func (g *restGames) ListOpen(ctx context.Context, limit int) ([]*domain.Game, error) {
	q := "status=in.(waiting,active)&order=created_at.desc&limit=" + strconv.Itoa(limit)
	var rows []domain.Game
	if err := (*restStore)(g).do(ctx, fasthttp.MethodGet, domain.TableGames+"?"+q, nil, nil, &rows); err != nil {
		return nil, err
	}
	list := make([]*domain.Game, 0, len(rows))
	for i := range rows {
		list = append(list, &rows[i])
	}
	return list, nil
}

func (g *restGames) ClaimBlackSeat(ctx context.Context, gameID, playerID string) (*domain.Game, bool, error) {
	filter := "id=eq." + url.QueryEscape(gameID) +
		"&status=eq.waiting&black_player=is.null&white_player=neq." + url.QueryEscape(playerID)
	patch := map[string]string{"black_player": playerID, "status": string(domain.StatusActive)}
	rows, err := patchReturning[domain.Game](ctx, (*restStore)(g), domain.TableGames, filter, patch)
	if err != nil {
		return nil, false, err
	}
	if len(rows) > 0 {
		return &rows[0], true, nil
	}
	game, err := g.Get(ctx, gameID)
	if err != nil {
		return nil, false, err
	}
	return game, false, nil
}

func (g *restGames) UpdateAfterMove(ctx context.Context, gameID, fen string, turn domain.Color, at time.Time) (*domain.Game, error) {
	patch := map[string]any{
		"current_fen":  fen,
		"turn":         turn,
		"last_move_at": at.Format(time.RFC3339Nano),
	}
	rows, err := patchReturning[domain.Game](ctx, (*restStore)(g), domain.TableGames,
		"id=eq."+url.QueryEscape(gameID), patch)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (g *restGames) Finish(ctx context.Context, gameID, winner, reason string) (*domain.Game, bool, error) {
	filter := "id=eq." + url.QueryEscape(gameID) + "&status=eq.active"
	patch := map[string]string{"status": string(domain.StatusFinished), "winner": winner, "reason": reason}
	rows, err := patchReturning[domain.Game](ctx, (*restStore)(g), domain.TableGames, filter, patch)
	if err != nil {
		return nil, false, err
	}
	if len(rows) > 0 {
		return &rows[0], true, nil
	}
	game, err := g.Get(ctx, gameID)
	if err != nil {
		return nil, false, err
	}
	return game, false, nil
}

type restMoves restStore

func (m *restMoves) Append(ctx context.Context, mv *domain.Move) error {
	return (*restStore)(m).do(ctx, fasthttp.MethodPost, domain.TableMoves, nil, mv, nil)
}

func (m *restMoves) ListByGame(ctx context.Context, gameID string) ([]*domain.Move, error) {
	q := "game_id=eq." + url.QueryEscape(gameID) + "&order=move_number.asc"
	var rows []domain.Move
	if err := (*restStore)(m).do(ctx, fasthttp.MethodGet, domain.TableMoves+"?"+q, nil, nil, &rows); err != nil {
		return nil, err
	}
	list := make([]*domain.Move, 0, len(rows))
	for i := range rows {
		list = append(list, &rows[i])
	}
	return list, nil
}

func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
