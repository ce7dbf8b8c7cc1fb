// Package manifest builds scope trees from HCL declarations.
//
// A manifest declares one root scope block with nested children:
//
//	scope "app" {
//	  label    = "Mail"
//	  rebind   = "replace"
//	  engine   = "cel"
//	  metadata = {
//	    locale = "en-GB"
//	    theme  = { mode = "dark" }
//	  }
//
//	  scope "inbox" {
//	    metadata = { unread_only = true }
//	  }
//	}
//
// Bindings stay in code; the manifest only shapes the hierarchy and the
// metadata that rules and DecodeValues read.
package manifest
