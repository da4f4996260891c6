/*
Package headersync applies the headers received from peers to the local header
database and tells a Downstream consumer how the trunk moved.

Peers deliver headers in batches of up to 2000 in answer to getheaders. Each
header is stored in the header database, which decides whether the header
extends the trunk, forms a side chain, or makes a side chain heavier than the
trunk. In the last case the headers that left the trunk are reported first,
most recent first, followed by the headers that joined it in ascending height.
The Downstream therefore always sees the trunk as a stack it can unwind and
extend.

Headers from every peer go through one Synchronizer, whose mutex makes it the
single ordered writer. Once the Downstream fails, the Synchronizer stops
applying headers and keeps returning the failure.
*/
package headersync
