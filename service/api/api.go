package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	chatmodel "NWChat/module/chat/model"
	usermodel "NWChat/module/user/model"
	"NWChat/service/storage"
	"NWChat/tools/decode"
	"NWChat/tools/errs"
	"NWChat/tools/ids"
	"NWChat/tools/security"
)

const identityKey = "identity"

// API serves the REST collaborator endpoints the client core consumes:
// history, roster, conversation creation/listing and token validation.
type API struct {
	msgs  storage.MessageStore
	convs storage.ConversationStore
	users storage.UserStore
	auth  security.Options
}

func New(msgs storage.MessageStore, convs storage.ConversationStore, users storage.UserStore, auth security.Options) *API {
	return &API{msgs: msgs, convs: convs, users: users, auth: auth}
}

func (a *API) Routes(r *gin.Engine) {
	g := r.Group("/", a.authMiddleware)
	g.GET("/users", a.listUsers)
	g.GET("/users/me", a.getMe)
	g.GET("/conversations", a.listConversations)
	g.POST("/conversations", a.createConversation)
	g.GET("/conversations/:id/messages", a.getMessages)
	g.GET("/offline/messages", a.drainOffline)
}

// drainOffline pops the caller's parked deliveries; clients call it
// once after reconnecting, before trusting their resynced history.
func (a *API) drainOffline(c *gin.Context) {
	if !storage.RedisEnabled() {
		c.JSON(http.StatusOK, []storage.OfflineMsg{})
		return
	}
	ident := identityFrom(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	msgs, err := storage.FetchOffline(ident.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to drain offline queue"})
		return
	}
	if msgs == nil {
		msgs = []storage.OfflineMsg{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (a *API) authMiddleware(c *gin.Context) {
	h := c.GetHeader("Authorization")
	token := strings.TrimPrefix(h, "Bearer ")
	if token == "" || token == h {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	ident, err := security.Verify(a.auth, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	// every verified identity lands in the roster
	_ = a.users.UpsertUser(c.Request.Context(), &usermodel.User{
		ID:        ident.UserID,
		Name:      ident.Name,
		AvatarURL: ident.AvatarURL,
	})
	c.Set(identityKey, ident)
	c.Next()
}

func identityFrom(c *gin.Context) *security.Identity {
	v, _ := c.Get(identityKey)
	ident, _ := v.(*security.Identity)
	return ident
}

func (a *API) getMe(c *gin.Context) {
	ident := identityFrom(c)
	c.JSON(http.StatusOK, usermodel.User{
		ID:        ident.UserID,
		Name:      ident.Name,
		AvatarURL: ident.AvatarURL,
	})
}

// listUsers is the roster: everyone this gateway has seen authenticate.
func (a *API) listUsers(c *gin.Context) {
	users, err := a.users.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	if users == nil {
		users = []*usermodel.User{}
	}
	c.JSON(http.StatusOK, users)
}

// listConversations returns the caller's conversations, newest first.
func (a *API) listConversations(c *gin.Context) {
	ident := identityFrom(c)
	convs, err := a.convs.ListForUser(c.Request.Context(), ident.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	if convs == nil {
		convs = []*chatmodel.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

type createConversationReq struct {
	ParticipantIDs []string `json:"participant_ids"`
}

func (a *API) createConversation(c *gin.Context) {
	ident := identityFrom(c)
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	req, err := decode.DecodeMap[createConversationReq](raw)
	if err != nil || len(req.ParticipantIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_ids required"})
		return
	}

	participants := req.ParticipantIDs
	if !contains(participants, ident.UserID) {
		participants = append(participants, ident.UserID)
	}
	if len(participants) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a conversation needs at least two participants"})
		return
	}

	var conv *chatmodel.Conversation
	if len(participants) == 2 {
		conv = chatmodel.NewDirect(participants[0], participants[1])
	} else {
		conv = chatmodel.NewGroup(ids.GenerateString(), participants)
	}
	if err := a.convs.Create(c.Request.Context(), conv); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (a *API) getMessages(c *gin.Context) {
	ident := identityFrom(c)
	convID := c.Param("id")

	conv, err := a.convs.Get(c.Request.Context(), convID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeInvalidMessage {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if !conv.HasParticipant(ident.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	msgs, err := a.msgs.ListByConversation(c.Request.Context(), convID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
