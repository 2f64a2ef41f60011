package main

import (
	"log"
	"os"

	"github.com/isparth/Distributed-Systems/leader-election/internal/server"
)

func main() {
	if err := server.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
