// Package billing provides the messages exchanged between tallying and billing.
//
// Tallying publishes a TallySummary for every account it collected. Billing turns each summary
// into a BillableUsage and hands it to a BillableUsagePublisher.
//
// Value Objects:
//   - TallySnapshot: wire form of one snapshot
//   - TallySummary: the snapshots written for one account by one collection
//   - BillableUsage: the snapshots billing forwards downstream
package billing
