package courier

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/gorilla/websocket"

    "mealtrack/internal/model"
)

// Mutating calls run under a fixed timeout; a call that outlives it
// surfaces as a network error and is never silently retried.
const callTimeout = 15 * time.Second

var (
    // ErrUnauthorized means the bearer credential was rejected; the caller
    // must re-authenticate before reissuing the request.
    ErrUnauthorized = errors.New("unauthorized")
    // ErrConflict means the caller's last-known status is stale.
    ErrConflict = errors.New("conflict: refetch and retry")
    // ErrInvalidTransition means the requested status edge is illegal.
    ErrInvalidTransition = errors.New("invalid transition")
    // ErrDuplicateAssignment means the order already has an open delivery.
    ErrDuplicateAssignment = errors.New("order already assigned")
)

// APIError carries the problem details of a non-2xx response that does not
// map to a sentinel.
type APIError struct {
    Status int
    Title  string
    Detail string
}

func (e *APIError) Error() string {
    if e.Detail != "" { return fmt.Sprintf("%s (%d): %s", e.Title, e.Status, e.Detail) }
    return fmt.Sprintf("%s (%d)", e.Title, e.Status)
}

// Client talks to the delivery API on behalf of one driver.
type Client struct {
    Base  string
    Token string
    HTTP  *http.Client
}

func NewClient(base, token string) *Client {
    return &Client{
        Base:  strings.TrimRight(base, "/"),
        Token: token,
        HTTP:  &http.Client{Timeout: callTimeout},
    }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
    var rd *bytes.Reader
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { return err }
        rd = bytes.NewReader(b)
    } else {
        rd = bytes.NewReader(nil)
    }
    req, err := http.NewRequestWithContext(ctx, method, c.Base+path, rd)
    if err != nil { return err }
    req.Header.Set("Authorization", "Bearer "+c.Token)
    if body != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := c.HTTP.Do(req)
    if err != nil { return err }
    defer func() { _ = resp.Body.Close() }()
    if resp.StatusCode >= 200 && resp.StatusCode < 300 {
        if out == nil { return nil }
        return json.NewDecoder(resp.Body).Decode(out)
    }
    var prob struct {
        Type   string `json:"type"`
        Title  string `json:"title"`
        Detail string `json:"detail"`
    }
    _ = json.NewDecoder(resp.Body).Decode(&prob)
    switch resp.StatusCode {
    case http.StatusUnauthorized:
        return ErrUnauthorized
    case http.StatusConflict:
        if prob.Type == model.ProblemDuplicateAssignment { return ErrDuplicateAssignment }
        return ErrConflict
    case http.StatusUnprocessableEntity:
        return ErrInvalidTransition
    }
    return &APIError{Status: resp.StatusCode, Title: prob.Title, Detail: prob.Detail}
}

func (c *Client) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    var resp struct {
        Delivery model.Delivery `json:"delivery"`
    }
    err := c.do(ctx, http.MethodGet, "/v1/deliveries/"+id, nil, &resp)
    return resp.Delivery, err
}

func (c *Client) UpdateDeliveryStatus(ctx context.Context, id string, patch model.DeliveryPatch) (model.Delivery, error) {
    var d model.Delivery
    err := c.do(ctx, http.MethodPatch, "/v1/deliveries/"+id+"/status", patch, &d)
    return d, err
}

func (c *Client) UpdateOrderStatus(ctx context.Context, id string, patch model.OrderPatch) (model.Order, error) {
    var o model.Order
    err := c.do(ctx, http.MethodPatch, "/v1/orders/"+id, patch, &o)
    return o, err
}

// ClaimOrder assigns the authenticated driver to an out-for-delivery order.
func (c *Client) ClaimOrder(ctx context.Context, orderID string) (model.Delivery, error) {
    var d model.Delivery
    err := c.do(ctx, http.MethodPost, "/v1/deliveries/assign-driver", model.AssignDriverRequest{OrderID: orderID}, &d)
    return d, err
}

// ClaimableOrders lists orders awaiting a driver.
func (c *Client) ClaimableOrders(ctx context.Context) ([]model.Order, error) {
    var resp struct {
        Items []model.Order `json:"items"`
    }
    err := c.do(ctx, http.MethodGet, "/v1/orders/claimable", nil, &resp)
    return resp.Items, err
}

// ActiveDeliveries lists the driver's open deliveries, newest first.
func (c *Client) ActiveDeliveries(ctx context.Context) ([]model.Delivery, error) {
    var resp struct {
        Items []model.Delivery `json:"items"`
    }
    err := c.do(ctx, http.MethodGet, "/v1/deliveries/by-driver?active=true", nil, &resp)
    return resp.Items, err
}

// StreamPositions opens the position websocket for a delivery and forwards
// every fix from ch until ch closes or ctx ends.
func (c *Client) StreamPositions(ctx context.Context, deliveryID string, ch <-chan model.GeoPosition) error {
    wsURL, err := url.Parse(c.Base + "/v1/deliveries/" + deliveryID + "/positions")
    if err != nil { return err }
    switch wsURL.Scheme {
    case "http":
        wsURL.Scheme = "ws"
    case "https":
        wsURL.Scheme = "wss"
    }
    q := wsURL.Query()
    q.Set("access_token", c.Token)
    wsURL.RawQuery = q.Encode()
    conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
    if err != nil {
        if resp != nil && resp.StatusCode == http.StatusUnauthorized { return ErrUnauthorized }
        return err
    }
    defer func() { _ = conn.Close() }()
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case pos, ok := <-ch:
            if !ok { return nil }
            msg := map[string]any{"type": "position", "position": pos}
            if err := conn.WriteJSON(msg); err != nil { return err }
        }
    }
}
