package core

// AfterFinder is called on a struct after Record.Scan filled it.
type AfterFinder interface{ AfterFind() error }
