// Package all enables every built-in storage backend. Import it for side
// effects from the wiring layer:
//
//	import _ "tickpipe/internal/storage/all"
package all

import (
	_ "tickpipe/internal/storage/mssql"
	_ "tickpipe/internal/storage/mysql"
	_ "tickpipe/internal/storage/postgres"
	_ "tickpipe/internal/storage/sqlite"
)
