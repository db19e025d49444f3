// Package security holds the checks that stand between an inbound webhook
// and a subprocess: HMAC-SHA256 signature verification, webhook secret
// hygiene, build step validation and file permission helpers.
package security
