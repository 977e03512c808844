// Package archive stores uploaded image archives, either in a local directory
// (LocalStore) or in an S3-compatible bucket (S3Store). Archives are keyed by
// Key(uploadID, filename) so two uploads of the same file never collide.
package archive
