package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

const (
	// DefaultTokenCollection holds one document per device token.
	DefaultTokenCollection = "device-tokens"
	// Firestore caps the number of values in an "in" filter.
	firestoreInLimit = 30
)

// tokenDoc is the Firestore shape of a device token. The token itself is the
// document id.
type tokenDoc struct {
	UserID    string    `firestore:"user_id"`
	Token     string    `firestore:"token"`
	Platform  string    `firestore:"platform"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreTokenStore implements notify.DeviceTokenStore on Google Cloud
// Firestore.
type FirestoreTokenStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreTokenStore is the constructor for the FirestoreTokenStore.
// An empty collection selects DefaultTokenCollection.
func NewFirestoreTokenStore(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreTokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		collection = DefaultTokenCollection
	}
	return &FirestoreTokenStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreTokenStore").Logger(),
	}, nil
}

// RegisterToken stores or reassigns a device token.
func (s *FirestoreTokenStore) RegisterToken(ctx context.Context, t notify.DeviceToken) error {
	doc := tokenDoc{UserID: t.UserID, Token: t.Token, Platform: t.Platform, UpdatedAt: time.Now().UTC()}
	if _, err := s.client.Collection(s.collection).Doc(t.Token).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to register device token: %w", err)
	}
	return nil
}

// FindByUsers queries tokens in chunks that fit the "in" filter limit.
func (s *FirestoreTokenStore) FindByUsers(ctx context.Context, userIDs []string) ([]notify.DeviceToken, error) {
	var out []notify.DeviceToken
	for start := 0; start < len(userIDs); start += firestoreInLimit {
		end := min(start+firestoreInLimit, len(userIDs))
		snaps, err := s.client.Collection(s.collection).
			Where("user_id", "in", userIDs[start:end]).
			Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to query device tokens: %w", err)
		}
		for _, snap := range snaps {
			var doc tokenDoc
			if err := snap.DataTo(&doc); err != nil {
				s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to unmarshal device token, skipping")
				continue
			}
			out = append(out, notify.DeviceToken{UserID: doc.UserID, Token: snap.Ref.ID, Platform: doc.Platform})
		}
	}
	return out, nil
}

// DeleteTokens removes tokens with a BulkWriter and returns how many deletes
// succeeded. Deleting a missing document counts as success.
func (s *FirestoreTokenStore) DeleteTokens(ctx context.Context, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	bulkWriter := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(tokens))
	var firstErr error
	for _, token := range tokens {
		job, err := bulkWriter.Delete(s.client.Collection(s.collection).Doc(token))
		if err != nil {
			s.logger.Error().Err(err).Str("doc_id", token).Msg("Failed to enqueue token for deletion")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		jobs = append(jobs, job)
	}
	// End blocks until every enqueued write has completed.
	bulkWriter.End()

	deleted := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}
	if firstErr != nil {
		return deleted, fmt.Errorf("failed to delete one or more device tokens: %w", firstErr)
	}
	s.logger.Info().Int("count", deleted).Msg("Deleted device tokens.")
	return deleted, nil
}
