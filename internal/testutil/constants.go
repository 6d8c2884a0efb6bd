package testutil

// TestSigningKey is HMAC key material for audit tests only.
const TestSigningKey = "test-signing-key-1234567890123456"
