package main

import "github.com/mwork/credit-ledger/cmd/ledgerctl/cmd"

func main() {
	cmd.Execute()
}
