package scylla

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS delivery_qr_tokens (
		qr_id text PRIMARY KEY,
		token_fingerprint text,
		order_id text,
		warehouse_id text,
		batch_id text,
		transporter_id text,
		status text,
		status_reason text,
		issued_at timestamp,
		expires_at timestamp,
		confirmed_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_qr_by_day (
		issued_day text,
		bucket int,
		issued_at timestamp,
		qr_id text,
		PRIMARY KEY ((issued_day, bucket), issued_at, qr_id)
	)`,
	`CREATE TABLE IF NOT EXISTS otp_challenges (
		qr_id text,
		challenge_id text,
		channel text,
		destination_hash text,
		destination_masked text,
		destination_encrypted text,
		destination_dek text,
		destination_key_id text,
		code_hash text,
		code_salt text,
		pepper_version int,
		attempts int,
		max_attempts int,
		nonce text,
		requested_at timestamp,
		expires_at timestamp,
		verified_at timestamp,
		request_ip text,
		user_agent text,
		device_fingerprint text,
		geo_lat double,
		geo_lng double,
		geo_accuracy double,
		PRIMARY KEY (qr_id, challenge_id)
	)`,
	`CREATE TABLE IF NOT EXISTS validation_sessions (
		session_id text PRIMARY KEY,
		qr_id text,
		challenge_id text,
		token_hash text,
		otp_verified boolean,
		ip text,
		user_agent text,
		device_fingerprint text,
		geo_lat double,
		geo_lng double,
		geo_accuracy double,
		opened_at timestamp,
		expires_at timestamp,
		consumed_at timestamp,
		metadata map<text, text>
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_audit_log (
		event_day text,
		event_bucket int,
		created_at timestamp,
		audit_id text,
		entity_type text,
		entity_id text,
		action text,
		actor_type text,
		actor_id text,
		request_id text,
		ip text,
		device_info text,
		metadata map<text, text>,
		PRIMARY KEY ((event_day, event_bucket), created_at, audit_id)
	)`,
	`CREATE TABLE IF NOT EXISTS claims_tickets (
		ticket_id text PRIMARY KEY,
		ticket_type text,
		subject text,
		description text,
		priority text,
		status text,
		created_by text,
		metadata map<text, text>,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS claims_tickets_by_day (
		created_day text,
		ticket_type text,
		created_at timestamp,
		ticket_id text,
		PRIMARY KEY ((created_day, ticket_type), created_at, ticket_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_attachments (
		ticket_id text,
		attachment_id text,
		kind text,
		path text,
		file_name text,
		content_type text,
		size bigint,
		uploaded_by text,
		created_at timestamp,
		PRIMARY KEY (ticket_id, attachment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_comments (
		ticket_id text,
		comment_id text,
		author_id text,
		body text,
		internal boolean,
		created_at timestamp,
		PRIMARY KEY (ticket_id, comment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_view_snapshots (
		qr_id text PRIMARY KEY,
		view text,
		generated_at timestamp
	)`,
}

// EnsureSchema creates the delivery tables if they are missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
