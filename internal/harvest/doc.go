// Package harvest defines the core types shared by the harvesting engine: fetch units,
// outcomes, result records, the aggregated report, and the interfaces each stage
// implements. Concrete stages live in sibling packages (fetcher, extract, discovery,
// worker, dispatcher, coordinator) and depend only on this package.
package harvest
