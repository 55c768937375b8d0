// Package domain defines the core domain types and interfaces.
//
// Subscription records, stream events, tenant filter configs and the ports
// (repositories, Twitch API, event sender, locks) the app layer depends on.
// No implementation code, just contracts.
package domain
