package service_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscod3/code-collab/internal/domain"
	"github.com/chriscod3/code-collab/internal/service"
)

const testSecret = "test-secret"

func TestTicketService_IssueAndParse(t *testing.T) {
	// Arrange
	tickets, err := service.NewTicketService(testSecret, 1)
	require.NoError(t, err)

	// Act
	ticket, err := tickets.Issue("abc123", "  Ada  ")
	require.NoError(t, err)
	claims, err := tickets.Parse(ticket.Token)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "ABC123", ticket.RoomCode)
	assert.Equal(t, "Ada", ticket.Name)
	_, uuidErr := uuid.Parse(ticket.ParticipantID)
	assert.NoError(t, uuidErr)
	assert.Equal(t, ticket.ParticipantID, claims.ParticipantID)
	assert.Equal(t, "ABC123", claims.RoomCode)
	assert.Equal(t, "Ada", claims.Name)
	assert.WithinDuration(t, time.Now().Add(time.Hour), ticket.ExpiresAt, 5*time.Second)
}

func TestTicketService_IssueRejectsBadInput(t *testing.T) {
	tickets, err := service.NewTicketService(testSecret, 0)
	require.NoError(t, err)

	_, err = tickets.Issue("bad", "Ada")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = tickets.Issue("ABC123", strings.Repeat("名", 65))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTicketService_ParseRejectsForeignTokens(t *testing.T) {
	// Arrange
	tickets, err := service.NewTicketService(testSecret, 1)
	require.NoError(t, err)
	other, err := service.NewTicketService("another-secret", 1)
	require.NoError(t, err)
	foreign, err := other.Issue("ABC123", "Eve")
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, service.ParticipantClaims{
		ParticipantID: uuid.NewString(),
		RoomCode:      "ABC123",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noParticipant := jwt.NewWithClaims(jwt.SigningMethodHS256, service.ParticipantClaims{RoomCode: "ABC123"})
	noParticipantToken, err := noParticipant.SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret":        foreign.Token,
		"expired":             expiredToken,
		"missing participant": noParticipantToken,
		"garbage":             "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			// Act
			claims, err := tickets.Parse(token)

			// Assert
			assert.Nil(t, claims)
			assert.ErrorIs(t, err, service.ErrInvalidTicket)
		})
	}
}

func TestNewTicketService_RequiresSecret(t *testing.T) {
	_, err := service.NewTicketService("", 24)
	assert.Error(t, err)
}
