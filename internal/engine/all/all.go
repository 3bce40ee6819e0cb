// Package all links every built-in engine backend into the binary.
// Import it for its side effects:
//
//	import _ "jsonq/internal/engine/all"
package all

import (
	_ "jsonq/internal/engine/mssql"
	_ "jsonq/internal/engine/postgres"
	_ "jsonq/internal/engine/sqlite"
)
