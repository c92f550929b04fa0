package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/service"
)

// ParticipantKey gin 上下文中保存票据信息的键
const ParticipantKey = "participant"

// ErrMissingTicket 请求没有携带票据
var ErrMissingTicket = errors.New("missing participant ticket")

// ParticipantAuth 返回一个 Gin 中间件，校验参与者票据。
// 票据来自 Authorization: Bearer 头，websocket 握手无法设置头时用 ?ticket= 查询参数。
// 路由带 :code 参数时，票据必须属于该房间。
func ParticipantAuth(tickets *service.TicketService) gin.HandlerFunc {
	if tickets == nil {
		panic("TicketService cannot be nil for ParticipantAuth middleware")
	}

	return func(c *gin.Context) {
		token, err := extractTicket(c)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: Missing or malformed ticket")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Participant ticket is required", "code": "invalid_ticket"})
			return
		}

		claims, err := tickets.Parse(token)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: Invalid ticket")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired ticket", "code": "invalid_ticket"})
			return
		}

		if code := c.Param("code"); code != "" && domain.NormalizeRoomCode(code) != claims.RoomCode {
			logrus.WithFields(logrus.Fields{
				"participant_id": claims.ParticipantID,
				"ticket_room":    claims.RoomCode,
				"requested_room": code,
			}).Warn("Auth middleware: Ticket issued for another room")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Ticket is not valid for this room", "code": "forbidden"})
			return
		}

		c.Set(ParticipantKey, claims)
		logrus.WithField("participant_id", claims.ParticipantID).Debug("Auth middleware: Participant authenticated")
		c.Next()
	}
}

// ParticipantFrom 取出 ParticipantAuth 保存的票据信息
func ParticipantFrom(c *gin.Context) (*service.ParticipantClaims, bool) {
	v, ok := c.Get(ParticipantKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*service.ParticipantClaims)
	return claims, ok
}

func extractTicket(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", errors.New("authorization header must be 'Bearer <ticket>'")
		}
		return parts[1], nil
	}
	if t := c.Query("ticket"); t != "" {
		return t, nil
	}
	return "", ErrMissingTicket
}
