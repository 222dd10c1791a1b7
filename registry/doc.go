/*
Package registry stores the nodes registered with the nameserver.

Every node gets a position from a gapless sequence kept by the backend, starting
at 1. Addresses are unique: a second Append of the same address fails with
ErrDuplicateAddress and leaves the stored record untouched. Records are never
updated nor deleted.

Append also returns the parent of the new node, read in the same transaction.
If the parent record is missing the append is rolled back with
ErrParentNotFound.

Two backends are provided. The SQLite backend keeps nodes in the `server` table
and runs each append in an IMMEDIATE transaction that checks the address
before inserting; a unique index on `url` backs the check. The LevelDB backend
serializes appends with an exclusive transaction and keeps the sequence under a
dedicated key.
*/
package registry
