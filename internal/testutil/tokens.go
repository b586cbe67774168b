// Package testutil provides testing utilities for semabot.
package testutil

// Obviously fake credentials for tests. Keep them simple so secret
// scanners never mistake them for real tokens.
const (
	// FakeSemaphoreToken is a safe test API token for Semaphore.
	FakeSemaphoreToken = "test-semaphore-token"

	// FakeMatrixAccessToken is a safe test access token for Matrix.
	FakeMatrixAccessToken = "test-matrix-access-token"

	// FakeMatrixUserID is the bot's user id in tests.
	FakeMatrixUserID = "@semabot:example.test"

	// FakeRoomID is a room id used across tests.
	FakeRoomID = "!ops:example.test"

	// FakeOtherRoomID is a second room id.
	FakeOtherRoomID = "!dev:example.test"
)
