package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tradewire/go-rfqhub/internal/database"
	"github.com/tradewire/go-rfqhub/internal/server"
	"github.com/tradewire/go-rfqhub/internal/types"
)

const wsCloseWait = 10 * time.Second

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
	Count         int                   `json:"count"`
}

func (s *RfqHubApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *RfqHubApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	role := types.Role(req.Role)
	if req.Role == "" {
		role = types.RoleBuyer
	}
	if !role.Valid() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		Role:         string(role),
		PasswordHash: pwdHash,
	}

	newUser, err := s.db.CreateAccount(params)
	if err != nil {
		errResp := NewConflictError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.User{
		Id:           newUser.Id,
		Username:     newUser.Username,
		EmailAddress: newUser.EmailAddress,
		Role:         types.Role(newUser.Role),
	})
}

func (s *RfqHubApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := types.User{
		Id:           dbUser.Id,
		Username:     dbUser.Username,
		EmailAddress: dbUser.EmailAddress,
		Role:         types.Role(dbUser.Role),
		CreatedAt:    dbUser.CreatedAt,
		UpdatedAt:    dbUser.UpdatedAt,
	}

	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, LoginResponse{Token: token, User: u})
}

func (s *RfqHubApp) getNotifications(w http.ResponseWriter, r *http.Request) {
	notifications := s.hub.Notifications().Global()

	s.writeJson(w, http.StatusOK, NotificationsResponse{
		Notifications: notifications,
		Count:         len(notifications),
	})
}

func (s *RfqHubApp) createDemoNotification(w http.ResponseWriter, r *http.Request) {
	n := server.NewDemoNotification()
	s.hub.PublishNotification(n)

	s.writeJson(w, http.StatusOK, n)
}

// wsToken extracts the bearer token from the Sec-WebSocket-Protocol
// header, falling back to the token query parameter. Reports whether
// it came from the protocol header so the handshake can echo it back.
func wsToken(r *http.Request) (string, bool) {
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		token := strings.TrimSpace(strings.Split(proto, ",")[0])
		return token, true
	}

	return r.URL.Query().Get("token"), false
}

func (s *RfqHubApp) serveWs(w http.ResponseWriter, r *http.Request) {
	token, fromProtocol := wsToken(r)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	// echo the offered subprotocol back so browser clients complete
	// the handshake before we judge the token
	var respHeader http.Header
	if fromProtocol {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{token}}
	}

	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if token == "" {
		s.closeUnauthorized(conn, "Unauthorized: No token provided")
		return
	}

	userId, err := s.resolveToken(token)
	if err != nil {
		s.log.Println("resolve token:", err)
		s.closeUnauthorized(conn, "Unauthorized: Invalid token")
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.closeUnauthorized(conn, "Unauthorized: Invalid user information")
		} else {
			// fail closed on store errors during authentication
			s.log.Println("get account:", err)
			s.closeUnauthorized(conn, "Error during authentication")
		}
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		Role:         types.Role(user.Role),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, s.hub, s.log)

	s.hub.RegisterClient(client)
	go client.Write()
	go client.Read()
}

// closeUnauthorized rejects a handshake after upgrade with a 1008
// policy violation close frame carrying a human-readable reason.
func (s *RfqHubApp) closeUnauthorized(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(wsCloseWait)
	if err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		deadline,
	); err != nil {
		s.log.Println("write close message:", err)
	}
	conn.Close()
}
