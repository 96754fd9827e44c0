// Package pagination provides cursor pagination for list operations such as
// tools.list. Cursors are opaque to clients and encode an offset.
//
// A server pages a sorted slice:
//
//	page, next, err := pagination.Paginate(all, &params)
//
// A client passes the returned cursor back until it is empty:
//
//	for {
//	    result, err := c.ListTools(ctx, "", &page)
//	    ...
//	    if result.NextCursor == "" {
//	        break
//	    }
//	    page.Cursor = result.NextCursor
//	}
package pagination
