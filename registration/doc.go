/*
Package registration places nodes into the nameserver tree.

A node registers with its reachable address and an opaque service identifier.
The first registration of an address appends it to the registry, which hands
out the next position. The position determines the node's parent (see package
topology) and the parent's record is returned to the caller. The root, at
position 1, gets no parent.

Registering an address again replays the answer of its first registration.
When two registrations of the same unseen address race, the registry accepts
only one of them and the other caller is answered with the winner's record.
*/
package registration
