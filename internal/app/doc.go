// Package app provides the application service layer.
//
// SubscriptionService manages tenant subscriptions, Notifier fans stream.online
// events out to tenants and Reconciler repairs drift between stored records and
// upstream EventSub subscriptions. Depends on domain interfaces, not concrete
// implementations.
package app
