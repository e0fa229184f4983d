// walletgen generates a fresh secp256k1 wallet key for the proxy and prints
// the key and its address. The key is printed once and never stored.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/clawinfra/clawrouter/internal/payment"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func main() {
	quiet := flag.Bool("quiet", false, "print only the private key")
	flag.Parse()

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	hexKey := "0x" + hex.EncodeToString(priv.Serialize())
	signer, err := payment.NewWalletSigner(hexKey)
	if err != nil {
		log.Fatalf("failed to derive address: %v", err)
	}

	if *quiet {
		fmt.Println(hexKey)
		return
	}

	fmt.Println("Generated wallet key. Store it safely; it authorizes real payments.")
	fmt.Println()
	fmt.Printf("  WALLET_KEY=%s\n", hexKey)
	fmt.Printf("  address:   %s\n", signer.Address())
	fmt.Println()
	fmt.Fprintln(os.Stderr, "export WALLET_KEY before starting the proxy")
}
