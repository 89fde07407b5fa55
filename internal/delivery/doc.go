// Package delivery turns resolved plans into mail submissions.
//
// A Service owns the outbound Sender, the recipient rule table and the sender
// identity. Each call to Deliver is a single attempt: there is no retry and no
// record of past deliveries. Failures can optionally be reported to an
// operator channel through a Notifier.
package delivery
