// Package config loads environment-based configuration structs for the
// billing service. Values come from the process environment, optionally
// seeded from a .env file, and are parsed once per type and cached.
package config
