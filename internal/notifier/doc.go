// Package notifier delivers operator notifications for check-in and
// sync outcomes.
//
// A notification is a small, high-signal message: site name, title, body
// text, and a priority that channels render as an emoji prefix. The
// service fans each message out to every configured channel (Telegram,
// Bark) through an async pipeline with a bounded queue, a worker pool, a
// token bucket rate limit, and exponential retry. Repeats of the same
// message are suppressed within a dedup window, optionally persisted
// across restarts.
//
// # History
//
// For debugging and operator visibility, the service keeps a small
// in-memory history of recently delivered notifications, exposed through
// the admin status endpoint.
package notifier
