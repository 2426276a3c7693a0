package minio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("WIB", 7*3600))
	require.Equal(t, "strava/2026/03/07/1234-create.json", ObjectName("strava", "1234-create", at))
}

func TestNopArchiver(t *testing.T) {
	object, err := Nop{}.Archive(context.Background(), "strava", "1", []byte(`{}`))
	require.NoError(t, err)
	require.Empty(t, object)
}
