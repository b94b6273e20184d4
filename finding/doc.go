// Package finding records values discovered by inject executions (open ports,
// credentials, CVEs) as findings attached to the assets they were seen on.
//
// A finding is unique per (inject, value, type, field). Agents report the same
// value concurrently from several assets; the Recorder resolves that race by
// merging each asset into the single winning row.
//
// Values come from an agent's structured output, parsed according to the
// injector contract's output elements:
//
//	values, err := finding.Parse(contract.Outputs, structured)
//	for _, v := range values {
//	    _, err := recorder.Record(ctx, injectID, assetID, v.Element, v.Value)
//	}
package finding
