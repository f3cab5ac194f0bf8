// Package dedupe makes relay delivery idempotent: a pushed message applied
// once within the window is recognized and dropped on redelivery.
package dedupe
